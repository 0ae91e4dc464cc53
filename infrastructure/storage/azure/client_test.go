package azure

import (
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"github.com/enginehub/cassettedeck/infrastructure/storage/object"
)

// azuriteConnection is the public development-storage account.
const azuriteConnection = "DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;" +
	"AccountKey=Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw==;" +
	"BlobEndpoint=http://127.0.0.1:10000/devstoreaccount1;"

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"blob not found", &azcore.ResponseError{ErrorCode: "BlobNotFound", StatusCode: http.StatusNotFound}, object.ErrNotFound},
		{"already exists", &azcore.ResponseError{ErrorCode: "BlobAlreadyExists", StatusCode: http.StatusConflict}, object.ErrExists},
		{"condition not met", &azcore.ResponseError{ErrorCode: "ConditionNotMet", StatusCode: http.StatusPreconditionFailed}, object.ErrExists},
		{"bare 404", &azcore.ResponseError{StatusCode: http.StatusNotFound}, object.ErrNotFound},
		{"throttled", &azcore.ResponseError{ErrorCode: "ServerBusy", StatusCode: http.StatusServiceUnavailable}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := mapError(tt.err)
			if tt.want == nil {
				if got != tt.err {
					t.Errorf("mapError() = %v, want passthrough", got)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Errorf("mapError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewClient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"missing container", Config{AccountName: "acct"}, true},
		{"missing account", Config{Container: "artifacts"}, true},
		{"connection string", Config{Container: "artifacts", ConnectionString: azuriteConnection}, false},
		{"shared key", Config{Container: "artifacts", AccountName: "devstoreaccount1", AccountKey: "Zm9vYmFy"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, err := NewClient(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewClient() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && c.container.URL() == "" {
				t.Error("container URL is empty")
			}
		})
	}
}
