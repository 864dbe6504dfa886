package objstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

type azureFetcher struct {
	client *azblob.Client
}

// newAzureFetcher builds a shared-key blob client. The account comes from
// the credentials, or from the host of an abfss:// URI.
func newAzureFetcher(creds Credentials, uri string) (*azureFetcher, error) {
	account := creds.AzureAccountName
	if account == "" {
		account = accountFromURI(uri)
	}
	if account == "" {
		return nil, fmt.Errorf("Azure account name is required for %q", uri)
	}
	if creds.AzureAccountKey == "" {
		return nil, fmt.Errorf("Azure account key is required for %q", uri)
	}

	cred, err := azblob.NewSharedKeyCredential(account, creds.AzureAccountKey)
	if err != nil {
		return nil, fmt.Errorf("create shared key credential: %w", err)
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net", account)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure blob client: %w", err)
	}
	return &azureFetcher{client: client}, nil
}

func (f *azureFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	container, key, err := parseAzurePath(uri)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.DownloadStream(ctx, container, key, nil)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", uri, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	return readLimited(resp.Body, uri)
}

// accountFromURI returns the storage account of an abfss:// URI.
func accountFromURI(uri string) string {
	u, err := parseURI(uri, "Azure")
	if err != nil || u.Scheme != "abfss" {
		return ""
	}
	account, _, _ := strings.Cut(u.Hostname(), ".")
	return account
}

// parseAzurePath extracts container and key from an Azure storage URI.
//
// Supported formats:
//
//	abfss://container@account.dfs.core.windows.net/path/to/file
//	az://container/path/to/file
func parseAzurePath(path string) (container, key string, err error) {
	u, err := parseURI(path, "Azure")
	if err != nil {
		return "", "", err
	}

	switch u.Scheme {
	case "abfss":
		// url.Parse reads "container" as userinfo and the account as host.
		if u.User == nil {
			return "", "", fmt.Errorf("abfss path %q missing container@account component", path)
		}
		container = u.User.Username()
	case "az":
		container = u.Host
	default:
		return "", "", fmt.Errorf("unrecognized Azure path scheme %q in %q", u.Scheme, path)
	}
	key = strings.TrimPrefix(u.Path, "/")

	if container == "" {
		return "", "", fmt.Errorf("empty container in Azure path %q", path)
	}
	if key == "" {
		return "", "", fmt.Errorf("empty key in Azure path %q", path)
	}
	return container, key, nil
}
