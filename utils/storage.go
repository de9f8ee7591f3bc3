package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const (
	StorageProviderGCS   = "gcs"
	StorageProviderLocal = "local"
)

func GetStorageProvider() string {
	provider := strings.TrimSpace(strings.ToLower(os.Getenv("STORAGE_PROVIDER")))
	if provider == "" {
		return StorageProviderGCS
	}
	return provider
}

// getGoogleClient initializes a Google Cloud Storage client.
// Prefers ADC (service account / GOOGLE_APPLICATION_CREDENTIALS); explicit JSON
// can be supplied via GCS_CREDENTIALS_JSON for local development.
func getGoogleClient(ctx context.Context) (*storage.Client, error) {
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		client, err := storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// ArchiveImportFile stores the original uploaded deposit file so reconciled
// deposits keep a pointer back to their source spreadsheet. Returns the access
// URL (or local path). Callers treat failures as non-fatal.
func ArchiveImportFile(ctx context.Context, objectName string, fileContent io.Reader) (string, error) {
	if GetStorageProvider() == StorageProviderLocal {
		return archiveToLocalDisk(objectName, fileContent)
	}
	if err := uploadToGCS(ctx, objectName, fileContent); err != nil {
		return "", err
	}
	return BuildObjectAccessURL(objectName), nil
}

func uploadToGCS(ctx context.Context, objectName string, fileContent io.Reader) error {
	fileData, err := io.ReadAll(fileContent)
	if err != nil {
		return fmt.Errorf("failed to read file content: %v", err)
	}

	mimeType := http.DetectContentType(fileData)

	// .xlsx detects as a zip container.
	if mimeType == "application/zip" && strings.HasSuffix(objectName, ".xlsx") {
		mimeType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	if strings.HasPrefix(mimeType, "text/plain") && strings.HasSuffix(objectName, ".csv") {
		mimeType = "text/csv"
	}

	allowedMimeTypes := map[string]bool{
		"text/csv": true,
		"application/vnd.ms-excel": true,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	}
	if !allowedMimeTypes[mimeType] {
		return fmt.Errorf("unsupported file type: %s", mimeType)
	}

	client, err := getGoogleClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	bucketName := os.Getenv("GCS_BUCKET")
	if bucketName == "" {
		return errors.New("GCS_BUCKET is required")
	}

	if _, err := client.Bucket(bucketName).Attrs(ctx); err != nil {
		return fmt.Errorf("gcs bucket %q not found or not accessible: %v", bucketName, err)
	}

	wc := client.Bucket(bucketName).Object(objectName).NewWriter(ctx)
	wc.ContentType = mimeType
	if _, err := wc.Write(fileData); err != nil {
		_ = wc.Close()
		return err
	}
	return wc.Close()
}

func archiveToLocalDisk(objectName string, fileContent io.Reader) (string, error) {
	baseDir := strings.TrimSpace(os.Getenv("LOCAL_STORAGE_DIR"))
	if baseDir == "" {
		baseDir = "uploads"
	}
	fullPath := filepath.Join(baseDir, filepath.FromSlash(objectName))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(fullPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, fileContent); err != nil {
		return "", err
	}
	return fullPath, nil
}

func BuildObjectAccessURL(objectKey string) string {
	gcsURL := strings.TrimSpace(os.Getenv("GCS_URL"))
	gcsBucket := strings.TrimSpace(os.Getenv("GCS_BUCKET"))
	if gcsURL != "" && gcsBucket != "" {
		return "https://" + gcsURL + "/" + gcsBucket + "/" + objectKey
	}
	return objectKey
}
