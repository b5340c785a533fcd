package http_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dev-brewery/koinon-rms-sub006/internal/auth"
)

type checkinItem struct {
	Success       bool   `json:"success"`
	AttendanceID  string `json:"attendanceId"`
	SecurityCode  string `json:"securityCode"`
	FailureReason string `json:"failureReason"`
}

type checkinBatch struct {
	Items     []checkinItem `json:"items"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
}

type verifyResult struct {
	Authorized       bool   `json:"authorized"`
	RequiresOverride bool   `json:"requiresOverride"`
	Message          string `json:"message"`
}

func TestCheckinAndPickupFlow(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") != "1" {
		t.Skip("set INTEGRATION_TESTS=1 to run")
	}
	baseURL := getenv("CHECKIN_HTTP_ADDR", "http://127.0.0.1:8084")
	secret := getenv("JWT_SECRET", "dev-secret")
	issuer := getenv("JWT_ISSUER", "koinon-auth")
	locationID := getenv("SEED_LOCATION_ID", "11111111-1111-1111-1111-111111111111")
	childID := getenv("SEED_CHILD_ID", "22222222-2222-2222-2222-222222222222")
	guardianID := getenv("SEED_GUARDIAN_ID", "33333333-3333-3333-3333-333333333333")

	staffToken := mintToken(t, secret, issuer, "staff")

	var batch checkinBatch
	status := doJSON(t, http.MethodPost, baseURL+"/checkins", staffToken, map[string]any{
		"items": []map[string]any{{
			"personId":             childID,
			"locationId":           locationID,
			"generateSecurityCode": true,
		}},
	}, &batch)
	if status != http.StatusCreated {
		t.Fatalf("check-in status %d", status)
	}
	if len(batch.Items) != 1 || !batch.Items[0].Success {
		t.Fatalf("expected one admitted item, got %+v", batch)
	}
	attendanceID := batch.Items[0].AttendanceID
	code := batch.Items[0].SecurityCode
	if code == "" {
		t.Fatalf("expected a security code")
	}

	var denied verifyResult
	status = doJSON(t, http.MethodPost, fmt.Sprintf("%s/checkins/%s/verify-pickup", baseURL, attendanceID), staffToken, map[string]any{
		"pickupPersonId":   guardianID,
		"pickupPersonName": "Seed Guardian",
		"securityCode":     "WRONG",
	}, &denied)
	if status != http.StatusOK || denied.Authorized {
		t.Fatalf("expected plain denial, status=%d result=%+v", status, denied)
	}

	var verified verifyResult
	status = doJSON(t, http.MethodPost, fmt.Sprintf("%s/checkins/%s/verify-pickup", baseURL, attendanceID), staffToken, map[string]any{
		"pickupPersonId":   guardianID,
		"pickupPersonName": "Seed Guardian",
		"securityCode":     code,
	}, &verified)
	if status != http.StatusOK || !verified.Authorized {
		t.Fatalf("expected authorization, status=%d result=%+v", status, verified)
	}

	status = doJSON(t, http.MethodPost, fmt.Sprintf("%s/checkins/%s/pickup", baseURL, attendanceID), staffToken, map[string]any{
		"pickupPersonId":   guardianID,
		"pickupPersonName": "Seed Guardian",
		"wasAuthorized":    true,
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("record pickup status %d", status)
	}

	status = doJSON(t, http.MethodPost, fmt.Sprintf("%s/checkins/%s/pickup", baseURL, attendanceID), staffToken, map[string]any{
		"pickupPersonId":   guardianID,
		"pickupPersonName": "Seed Guardian",
		"wasAuthorized":    true,
	}, nil)
	if status != http.StatusConflict {
		t.Fatalf("expected 409 on second release, got %d", status)
	}
}

func mintToken(t *testing.T, secret, issuer string, roles ...string) string {
	t.Helper()
	token, err := auth.NewAccessToken(secret, issuer, time.Hour, auth.Claims{
		UserID: uuid.NewString(),
		Name:   "Integration Test",
		Roles:  roles,
	})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, method, url, token string, payload any, out any) int {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && resp.StatusCode < 300 {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func getenv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
