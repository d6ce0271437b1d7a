package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/cockroachdb/errors"
)

// Login exchanges credentials for a token.
func (c *Client) Login(ctx context.Context, creds Credentials) (string, error) {
	return c.authenticate(ctx, loginPath, creds)
}

// Register creates an account and returns its token.
func (c *Client) Register(ctx context.Context, creds Credentials) (string, error) {
	return c.authenticate(ctx, registerPath, creds)
}

func (c *Client) authenticate(ctx context.Context, path string, creds Credentials) (string, error) {
	jsonData, err := json.Marshal(creds)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal credentials")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return "", errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "failed to send request"), ErrDisconnected)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "failed to read response")
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusConflict:
		return "", ErrUserExists
	case http.StatusBadRequest:
		return "", ErrBadRequest
	case http.StatusUnauthorized:
		return "", ErrUnauthorized
	default:
		return "", errors.Newf("auth service returned status %d: %s", resp.StatusCode, truncate(body, 256))
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", errors.Wrap(err, "failed to parse token response")
	}
	if tok.Token == "" {
		return "", errors.New("auth response carried no token")
	}

	c.logger.Debug("Authenticated", "path", path, "login", creds.Login)
	return tok.Token, nil
}
