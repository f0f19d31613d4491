/**
 * @description
 * Operator script to reconcile a parked transfer or resume a stuck one. It shows
 * the transfer as the bridge reports it, asks for confirmation, then calls the
 * operator resume endpoint. For manual_review the bridge looks the unresolved
 * leg up again by its key; for compensation_failed it retries the refund. The
 * funds-in-limbo flag clears only when that settles the transfer.
 *
 * Usage:
 *   go run ./cmd/resume-transfer <transfer-id>
 *
 * @dependencies
 * - github.com/joho/godotenv: loads .env for BRIDGE_BASE_URL and JWT_SECRET.
 * - pkg/middleware: mints a short-lived operator token when BRIDGE_OPERATOR_TOKEN is unset.
 */

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/transfa/bridge-service/internal/domain"
	"github.com/transfa/bridge-service/pkg/middleware"
)

type apiError struct {
	Message  string           `json:"error"`
	Kind     string           `json:"kind"`
	Code     string           `json:"code"`
	Transfer *domain.Transfer `json:"transfer"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("bridge error (%s): %s", e.Kind, e.Message)
}

type resumeResponse struct {
	Transfer *domain.Transfer `json:"transfer"`
	Balance  string           `json:"balance"`
}

func main() {
	if len(os.Args) != 2 {
		fmt.Println("Usage: go run ./cmd/resume-transfer <transfer-id>")
		os.Exit(1)
	}
	transferID, err := uuid.Parse(os.Args[1])
	if err != nil {
		log.Fatalf("invalid transfer id %q: %v", os.Args[1], err)
	}

	for _, path := range []string{"../.env", ".env"} {
		_ = godotenv.Load(path)
	}

	baseURL := strings.TrimRight(os.Getenv("BRIDGE_BASE_URL"), "/")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
		fmt.Println("Using default bridge URL:", baseURL)
	}
	token, err := operatorToken()
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	transfer, err := findTransfer(ctx, baseURL, token, transferID)
	if err != nil {
		log.Fatalf("Failed to fetch transfer: %v", err)
	}
	printTransfer(transfer)

	fmt.Printf("\nResume this transfer? (yes/no): ")
	confirmation, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	if strings.TrimSpace(confirmation) != "yes" {
		fmt.Println("Resume cancelled.")
		return
	}

	result, err := resume(ctx, baseURL, token, transferID)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Transfer != nil {
			fmt.Printf("Transfer %s is now %s (funds in limbo: %t)\n", transferID, apiErr.Transfer.Status, apiErr.Transfer.FundsInLimbo)
		}
		log.Fatalf("Failed to resume transfer: %v", err)
	}
	fmt.Printf("Transfer %s is now %s\n", transferID, result.Transfer.Status)
	if result.Balance != "" {
		fmt.Printf("Ledger balance: %s\n", result.Balance)
	}
}

func operatorToken() (string, error) {
	if token := strings.TrimSpace(os.Getenv("BRIDGE_OPERATOR_TOKEN")); token != "" {
		return token, nil
	}
	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		return "", fmt.Errorf("BRIDGE_OPERATOR_TOKEN or JWT_SECRET must be set")
	}
	hostname, _ := os.Hostname()
	token, _, err := middleware.NewTokenManager(secret, 5*time.Minute).IssueOperator("resume-transfer@" + hostname)
	return token, err
}

// findTransfer looks the transfer up in the limbo listing first; a transfer that
// is merely stale is not listed there, so it falls back to a bare stub.
func findTransfer(ctx context.Context, baseURL, token string, transferID uuid.UUID) (*domain.Transfer, error) {
	var transfers []domain.Transfer
	if err := call(ctx, http.MethodGet, baseURL+"/operator/limbo?limit=500", token, &transfers); err != nil {
		return nil, err
	}
	for i := range transfers {
		if transfers[i].ID == transferID {
			return &transfers[i], nil
		}
	}
	fmt.Println("Transfer is not flagged as funds in limbo; it will be resumed from its stored status.")
	return &domain.Transfer{ID: transferID}, nil
}

func resume(ctx context.Context, baseURL, token string, transferID uuid.UUID) (*resumeResponse, error) {
	var out resumeResponse
	if err := call(ctx, http.MethodPost, fmt.Sprintf("%s/operator/transfers/%s/resume", baseURL, transferID), token, &out); err != nil {
		return nil, err
	}
	if out.Transfer == nil {
		return nil, fmt.Errorf("empty response")
	}
	return &out, nil
}

func call(ctx context.Context, method, url, token string, out any) error {
	var body io.Reader
	if method == http.MethodPost {
		body = bytes.NewReader([]byte("{}"))
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 45 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &apiError{}
		if err := json.Unmarshal(raw, apiErr); err == nil && apiErr.Message != "" {
			return apiErr
		}
		return fmt.Errorf("bridge error with status %d: %s", resp.StatusCode, string(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func printTransfer(t *domain.Transfer) {
	fmt.Printf("Transfer Details:\n")
	fmt.Printf("  ID: %s\n", t.ID)
	if t.Status == "" {
		return
	}
	fmt.Printf("  Direction: %s\n", t.Direction)
	fmt.Printf("  Amount: %s\n", t.Amount.String())
	fmt.Printf("  Status: %s\n", t.Status)
	fmt.Printf("  Ledger address: %s\n", t.LedgerAddress)
	fmt.Printf("  Bank: %s %s\n", t.BankName, t.BankAccountNumber)
	if t.FailureReason != nil {
		fmt.Printf("  Failure: %s\n", *t.FailureReason)
	}
	fmt.Printf("  Updated: %s\n", t.UpdatedAt.Format(time.RFC3339))
}
