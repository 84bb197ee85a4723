// Package credential integrates with the external credential signing service
// that countersigns issued prescriptions. The signer sits behind a circuit
// breaker so a degraded signing service cannot stall issuance traffic.
package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/veriscript/rx-lifecycle/internal/domain/prescription"
	"github.com/veriscript/rx-lifecycle/pkg/circuitbreaker"
)

// Signer issues and verifies signed credentials for prescriptions.
type Signer interface {
	Sign(ctx context.Context, p *prescription.Prescription) (string, error)
	Verify(ctx context.Context, credentialID string) (bool, error)
}

// HTTPSigner talks to the signing service over HTTP.
type HTTPSigner struct {
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewHTTPSigner creates a signer for the given service base URL.
func NewHTTPSigner(baseURL string, logger *zap.Logger) (*HTTPSigner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb, err := circuitbreaker.New(circuitbreaker.DefaultConfig("credential-signer"), logger)
	if err != nil {
		return nil, fmt.Errorf("create signer breaker: %w", err)
	}
	return &HTTPSigner{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: cb,
		logger:  logger,
	}, nil
}

type signRequest struct {
	PrescriptionID int64     `json:"prescription_id"`
	PatientID      int64     `json:"patient_id"`
	DoctorID       int64     `json:"doctor_id"`
	Medication     string    `json:"medication"`
	IssuedAt       time.Time `json:"issued_at"`
}

type signResponse struct {
	CredentialID string `json:"credential_id"`
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

// Sign requests a credential for an issued prescription.
func (s *HTTPSigner) Sign(ctx context.Context, p *prescription.Prescription) (string, error) {
	body, err := json.Marshal(signRequest{
		PrescriptionID: p.ID,
		PatientID:      p.PatientID,
		DoctorID:       p.DoctorID,
		Medication:     p.MedicationName,
		IssuedAt:       p.DateIssued,
	})
	if err != nil {
		return "", fmt.Errorf("marshal sign request: %w", err)
	}

	result, err := s.breaker.Execute(ctx, func() (interface{}, error) {
		var resp signResponse
		if err := s.post(ctx, "/v1/credentials/sign", body, &resp); err != nil {
			return nil, err
		}
		return resp.CredentialID, nil
	})
	if err != nil {
		return "", fmt.Errorf("sign prescription %d: %w", p.ID, err)
	}
	return result.(string), nil
}

// Verify checks whether a credential is still valid with the signing service.
// When the circuit is open the credential is reported as unverifiable rather
// than failing the surrounding verification flow.
func (s *HTTPSigner) Verify(ctx context.Context, credentialID string) (bool, error) {
	result, err := s.breaker.ExecuteWithFallback(ctx, func() (interface{}, error) {
		var resp verifyResponse
		url := fmt.Sprintf("%s/v1/credentials/%s/verify", s.baseURL, credentialID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		if err := s.do(req, &resp); err != nil {
			return nil, err
		}
		return resp.Valid, nil
	}, func(error) (interface{}, error) {
		return false, nil
	})
	if err != nil {
		return false, fmt.Errorf("verify credential %s: %w", credentialID, err)
	}
	return result.(bool), nil
}

func (s *HTTPSigner) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, out)
}

func (s *HTTPSigner) do(req *http.Request, out any) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("signing service returned %d: %s", resp.StatusCode, payload)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Disabled is a signer for deployments without a signing service. It issues
// no credentials and treats every credential as unverifiable.
type Disabled struct{}

func (Disabled) Sign(context.Context, *prescription.Prescription) (string, error) { return "", nil }
func (Disabled) Verify(context.Context, string) (bool, error)                     { return false, nil }
