package connector

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"wagate/internal/domain"
)

const maxMediaBytes = 64 << 20

// mediaBytes returns the attachment payload, fetching it when only a URL
// was given.
func mediaBytes(ctx context.Context, client *http.Client, m domain.Media) ([]byte, string, error) {
	if len(m.Data) > 0 {
		return m.Data, m.MimeType, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build media request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", &domain.ProviderError{Kind: domain.ErrSendFailed, Op: "fetch media", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", &domain.ProviderError{Kind: domain.ErrSendFailed, Op: "fetch media", Status: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", &domain.ProviderError{Kind: domain.ErrSendFailed, Op: "fetch media", Err: err}
	}
	if len(data) > maxMediaBytes {
		return nil, "", fmt.Errorf("%w: media exceeds %d bytes", domain.ErrSendFailed, maxMediaBytes)
	}
	mime := m.MimeType
	if mime == "" {
		mime = resp.Header.Get("Content-Type")
	}
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return data, mime, nil
}
