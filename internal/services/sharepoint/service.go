// Package sharepoint publishes files to a SharePoint Online document library.
package sharepoint

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/fgeck/sqlrelay/internal/models"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Service defines the interface for document-store operations.
type Service interface {
	Upload(ctx context.Context, cfg models.SharePointConfig, localPath string) (*models.PublishResult, error)
	Rename(ctx context.Context, cfg models.SharePointConfig, oldName, newName string) (*models.PublishResult, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the SharePoint Service interface.
type Impl struct {
	httpClient HTTPClient
	logger     zerolog.Logger
}

// NewHTTPClient returns a client that keeps redirect responses, which carry
// the sign-in cookies.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 2 * time.Minute,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// New creates a new SharePoint service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		httpClient: NewHTTPClient(),
		logger:     logger,
	}
}

// NewWithClient creates a new SharePoint service with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient) *Impl {
	return &Impl{
		httpClient: httpClient,
		logger:     logger,
	}
}

// Upload signs in and uploads localPath into cfg.Folder under its base name,
// replacing any file of that name. A rejected sign-in is reported through
// AuthFailed; nothing is uploaded in that case.
func (s *Impl) Upload(ctx context.Context, cfg models.SharePointConfig, localPath string) (*models.PublishResult, error) {
	start := time.Now()
	result := &models.PublishResult{}
	name := filepath.Base(localPath)

	s.logger.Info().
		Str("site", cfg.SiteURL).
		Str("folder", cfg.Folder).
		Str("file", name).
		Msg("uploading to SharePoint")

	ac, err := s.authenticate(ctx, cfg.SiteURL, cfg.STSURL, cfg.Username, cfg.Password)
	if err != nil {
		result.AuthFailed = true
		result.Error = err
		result.Duration = time.Since(start)
		return result, nil
	}

	content, err := os.ReadFile(localPath) //nolint:gosec // path is the workbook this run produced
	if err != nil {
		result.Error = fmt.Errorf("failed to read %s: %w", localPath, err)
		result.Duration = time.Since(start)
		return result, nil
	}

	if err := s.loadDigest(ctx, ac); err != nil {
		result.Error = err
		result.Duration = time.Since(start)
		return result, nil
	}

	apiPath := fmt.Sprintf("/_api/web/GetFolderByServerRelativeUrl('%s')/Files/add(url='%s',overwrite=true)",
		odataString(cfg.Folder), odataString(name))
	body, err := s.call(ctx, ac, http.MethodPost, apiPath, content)
	if err != nil {
		result.Error = fmt.Errorf("upload failed: %w", err)
		result.Duration = time.Since(start)
		return result, nil
	}

	result.Done = true
	result.RemotePath = gjson.GetBytes(body, "d.ServerRelativeUrl").String()
	if result.RemotePath == "" {
		result.RemotePath = path.Join(cfg.Folder, name)
	}
	result.Duration = time.Since(start)

	s.logger.Info().
		Str("remote_path", result.RemotePath).
		Int("size_bytes", len(content)).
		Dur("duration", result.Duration).
		Msg("upload completed")

	return result, nil
}

// Rename signs in, resolves cfg.Folder/oldName and renames it to newName in
// the same folder. A file already named newName is replaced.
func (s *Impl) Rename(ctx context.Context, cfg models.SharePointConfig, oldName, newName string) (*models.PublishResult, error) {
	start := time.Now()
	result := &models.PublishResult{}
	oldPath := path.Join(cfg.Folder, oldName)
	newPath := path.Join(cfg.Folder, newName)

	s.logger.Info().
		Str("site", cfg.SiteURL).
		Str("from", oldPath).
		Str("to", newPath).
		Msg("renaming SharePoint file")

	ac, err := s.authenticate(ctx, cfg.SiteURL, cfg.STSURL, cfg.Username, cfg.Password)
	if err != nil {
		result.AuthFailed = true
		result.Error = err
		result.Duration = time.Since(start)
		return result, nil
	}

	if err := s.loadDigest(ctx, ac); err != nil {
		result.Error = err
		result.Duration = time.Since(start)
		return result, nil
	}

	fileAPI := fmt.Sprintf("/_api/web/GetFileByServerRelativeUrl('%s')", odataString(oldPath))
	if _, err := s.call(ctx, ac, http.MethodGet, fileAPI, nil); err != nil {
		result.Error = fmt.Errorf("resolving %s: %w", oldPath, err)
		result.Duration = time.Since(start)
		return result, nil
	}

	// flags=1 overwrites an existing target.
	moveAPI := fmt.Sprintf("%s/moveto(newurl='%s',flags=1)", fileAPI, odataString(newPath))
	if _, err := s.call(ctx, ac, http.MethodPost, moveAPI, nil); err != nil {
		result.Error = fmt.Errorf("rename failed: %w", err)
		result.Duration = time.Since(start)
		return result, nil
	}

	result.Done = true
	result.RemotePath = newPath
	result.Duration = time.Since(start)

	s.logger.Info().
		Str("remote_path", newPath).
		Dur("duration", result.Duration).
		Msg("rename completed")

	return result, nil
}

func (s *Impl) loadDigest(ctx context.Context, ac *authContext) error {
	body, err := s.call(ctx, ac, http.MethodPost, "/_api/contextinfo", nil)
	if err != nil {
		return fmt.Errorf("requesting form digest: %w", err)
	}
	digest := gjson.GetBytes(body, "d.GetContextWebInformation.FormDigestValue").String()
	if digest == "" {
		return fmt.Errorf("requesting form digest: no FormDigestValue in response")
	}
	ac.digest = digest
	return nil
}

// call issues a verbose OData request against the site and returns the body
// of a 2xx response.
func (s *Impl) call(ctx context.Context, ac *authContext, method, apiPath string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, ac.siteURL+escapePath(apiPath), reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json;odata=verbose")
	if payload != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	if ac.digest != "" {
		req.Header.Set("X-RequestDigest", ac.digest)
	}
	for _, c := range ac.cookies {
		req.AddCookie(c)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if msg := gjson.GetBytes(body, "error.message.value").String(); msg != "" {
			return nil, fmt.Errorf("sharepoint API returned status %d: %s", resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("sharepoint API returned status %d", resp.StatusCode)
	}

	return body, nil
}

// odataString escapes a value for a single-quoted OData literal.
func odataString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// escapePath percent-encodes a REST path, keeping the characters OData
// function-call syntax relies on.
func escapePath(p string) string {
	const keep = "-_.~!$&'()*+,;=:@/"
	var b strings.Builder
	for i := 0; i < len(p); i++ {
		c := p[i]
		if 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' || strings.IndexByte(keep, c) >= 0 {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}
