package lake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azdatalake"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azdatalake/datalakeerror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azdatalake/file"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azdatalake/filesystem"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azdatalake/service"
	"github.com/go-logr/logr"
)

type DataLakeOptions struct {
	AccountName string
	AccountKey  string
	Container   string
	Directory   string
	// ServiceURL overrides https://{AccountName}.dfs.core.windows.net.
	ServiceURL string
}

// dataLakeFile is the part of *file.Client the writer uses.
type dataLakeFile interface {
	Create(ctx context.Context, options *file.CreateOptions) (file.CreateResponse, error)
	AppendData(ctx context.Context, offset int64, body io.ReadSeekCloser, options *file.AppendDataOptions) (file.AppendDataResponse, error)
	FlushData(ctx context.Context, offset int64, options *file.FlushDataOptions) (file.FlushDataResponse, error)
}

// DataLakeWriter writes files to an Azure Data Lake Storage Gen2 account
// authenticated with the account key.
type DataLakeWriter struct {
	directory string
	fileFor   func(filePath string) dataLakeFile
	logger    logr.Logger
}

func NewDataLakeWriter(opts DataLakeOptions, logger logr.Logger) (*DataLakeWriter, error) {
	if strings.TrimSpace(opts.AccountName) == "" || strings.TrimSpace(opts.AccountKey) == "" {
		return nil, fmt.Errorf("datalake account name and key are required")
	}
	if strings.TrimSpace(opts.Container) == "" {
		return nil, fmt.Errorf("datalake container is required")
	}
	serviceURL := strings.TrimSpace(opts.ServiceURL)
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.dfs.core.windows.net", opts.AccountName)
	}
	cred, err := azdatalake.NewSharedKeyCredential(opts.AccountName, opts.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("datalake credential: %w", err)
	}
	client, err := service.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("datalake client: %w", err)
	}
	fsClient := client.NewFileSystemClient(opts.Container)
	return newDataLakeWriter(opts.Directory, fsClient, logger), nil
}

func newDataLakeWriter(directory string, fsClient *filesystem.Client, logger logr.Logger) *DataLakeWriter {
	return &DataLakeWriter{
		directory: strings.Trim(directory, "/"),
		fileFor: func(filePath string) dataLakeFile {
			return fsClient.NewFileClient(filePath)
		},
		logger: logger,
	}
}

func (d *DataLakeWriter) Backend() string { return BackendDataLake }

func (d *DataLakeWriter) CreateFile(ctx context.Context, name string) error {
	p := d.filePath(name)
	_, err := d.fileFor(p).Create(ctx, &file.CreateOptions{
		AccessConditions: &file.AccessConditions{
			ModifiedAccessConditions: &file.ModifiedAccessConditions{
				IfNoneMatch: to.Ptr(azcore.ETagAny),
			},
		},
	})
	if err != nil {
		if datalakeerror.HasCode(err, datalakeerror.PathAlreadyExists) {
			return fmt.Errorf("%s: %w", p, ErrAlreadyExists)
		}
		return statusFromResponse(p, err)
	}
	d.logger.V(1).Info("datalake file created", "path", p)
	return nil
}

func (d *DataLakeWriter) AppendAndFlush(ctx context.Context, name string, data []byte) error {
	p := d.filePath(name)
	f := d.fileFor(p)
	if _, err := f.AppendData(ctx, 0, streaming.NopCloser(bytes.NewReader(data)), nil); err != nil {
		return statusFromResponse(p, err)
	}
	if _, err := f.FlushData(ctx, int64(len(data)), nil); err != nil {
		return statusFromResponse("flush "+p, err)
	}
	d.logger.V(1).Info("datalake file flushed", "path", p, "bytes", len(data))
	return nil
}

func (d *DataLakeWriter) filePath(name string) string {
	if d.directory == "" {
		return name
	}
	return path.Join(d.directory, name)
}

// statusFromResponse turns an SDK response error into a StatusError so both remote
// backends report non-2xx answers the same way. The write step is added by Write.
func statusFromResponse(op string, err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return &StatusError{Op: op, StatusCode: respErr.StatusCode, Body: respErr.ErrorCode}
	}
	return fmt.Errorf("%s: %w", op, err)
}
