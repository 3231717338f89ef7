package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"go.uber.org/zap"
)

// blobUploader is the part of the azblob client the writer uses.
type blobUploader interface {
	CreateContainer(ctx context.Context, containerName string, o *azblob.CreateContainerOptions) (azblob.CreateContainerResponse, error)
	UploadBuffer(ctx context.Context, containerName, blobName string, buffer []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error)
}

// AzureBlobWriter writes records to Azure Blob Storage using a shared key.
// The collector location names the container; plain HTTP endpoints such as
// a local Azurite are accepted.
type AzureBlobWriter struct {
	client     blobUploader
	serviceURL string
	logger     *zap.Logger

	mu         sync.Mutex
	containers map[string]bool
}

// NewAzureBlobWriter creates an AZURE_BLOB destination from a standard connection string.
func NewAzureBlobWriter(connectionString string, logger *zap.Logger) (*AzureBlobWriter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if connectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	params := parseConnectionString(connectionString)
	accountName := params["AccountName"]
	accountKey := params["AccountKey"]
	serviceURL := params["BlobEndpoint"]
	if accountName == "" || accountKey == "" {
		return nil, fmt.Errorf("account name and key are required in the connection string")
	}
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", accountName)
	}

	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared key credential: %w", err)
	}

	var clientOpts *azblob.ClientOptions
	if strings.HasPrefix(strings.ToLower(serviceURL), "http://") {
		clientOpts = &azblob.ClientOptions{
			ClientOptions: azcore.ClientOptions{
				InsecureAllowCredentialWithHTTP: true,
			},
		}
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}
	return newAzureBlobWriter(client, serviceURL, logger), nil
}

func newAzureBlobWriter(client blobUploader, serviceURL string, logger *zap.Logger) *AzureBlobWriter {
	return &AzureBlobWriter{
		client:     client,
		serviceURL: strings.TrimRight(serviceURL, "/"),
		logger:     logger,
		containers: make(map[string]bool),
	}
}

// Write uploads data as blob name in the container named by location.
func (a *AzureBlobWriter) Write(ctx context.Context, location, name string, data []byte) (string, error) {
	container := strings.Trim(location, "/")
	if container == "" {
		return "", fmt.Errorf("container name is required")
	}
	if err := a.ensureContainer(ctx, container); err != nil {
		return "", err
	}

	_, err := a.client.UploadBuffer(ctx, container, name, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr("application/octet-stream"),
		},
	})
	if err != nil {
		a.logger.Error("Failed to upload to blob storage",
			zap.String("container", container),
			zap.String("blob_path", name),
			zap.Int("size", len(data)),
			zap.Error(err))
		return "", fmt.Errorf("blob upload failed: %w", err)
	}

	a.logger.Debug("Uploaded blob",
		zap.String("container", container),
		zap.String("blob_path", name),
		zap.Int("size_bytes", len(data)))
	return fmt.Sprintf("%s/%s/%s", a.serviceURL, container, name), nil
}

func (a *AzureBlobWriter) ensureContainer(ctx context.Context, container string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.containers[container] {
		return nil
	}

	_, err := a.client.CreateContainer(ctx, container, nil)
	if err != nil && !isContainerExists(err) {
		return fmt.Errorf("failed to ensure container: %w", err)
	}
	a.containers[container] = true
	return nil
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.ErrorCode == "ContainerAlreadyExists" {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "containeralreadyexists")
}

func parseConnectionString(connectionString string) map[string]string {
	parts := strings.Split(connectionString, ";")
	params := make(map[string]string, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok || key == "" {
			continue
		}
		params[key] = value
	}
	return params
}
