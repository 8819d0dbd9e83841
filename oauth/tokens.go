package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-querystring/query"
)

const maxTokenResponseBytes = 100 * 1024

// sendTokenRequest posts a form-encoded request (PAR, code exchange, or
// refresh) to an auth server endpoint with a DPoP proof attached. A
// use_dpop_nonce rejection is retried exactly once with the server's nonce.
func sendTokenRequest(ctx context.Context, client *http.Client, signer *DPoPSigner, endpoint string, form any, out any) error {
	endpointURL, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}
	vals, err := query.Values(form)
	if err != nil {
		return fmt.Errorf("encoding request body: %w", err)
	}
	body := vals.Encode()

	for try := 0; try < 2; try++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		proof, err := signer.Proof(http.MethodPost, endpointURL, "")
		if err != nil {
			return fmt.Errorf("signing DPoP proof: %w", err)
		}
		req.Header.Set("DPoP", proof)

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
		resp.Body.Close()
		if err != nil {
			return err
		}
		learnedNonce := signer.AbsorbResponse(resp)

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("parsing token endpoint response: %w", err)
			}
			return nil
		}

		oe := OAuthError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(respBody, &oe); err != nil || oe.Code == "" {
			return fmt.Errorf("token endpoint request failed (HTTP %d)", resp.StatusCode)
		}
		if oe.Code == "use_dpop_nonce" && learnedNonce {
			// retry once with the server-issued nonce
			continue
		}
		return &oe
	}
	return fmt.Errorf("token endpoint request failed after DPoP nonce retry")
}
