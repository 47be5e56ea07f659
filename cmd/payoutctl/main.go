/**
 * @description
 * Operator tool for the settlement-service's internal API. It shows a payout,
 * cancels one after confirmation, or triggers a reconcile sweep.
 *
 * Usage:
 *   go run ./cmd/payoutctl status <payout-id>
 *   go run ./cmd/payoutctl cancel <payout-id> <reason>
 *   go run ./cmd/payoutctl retry <payout-id>
 *   go run ./cmd/payoutctl reconcile
 *
 * @dependencies
 * - github.com/joho/godotenv: loads .env files.
 * - Environment variables: SETTLEMENT_SERVICE_URL, INTERNAL_API_KEY
 */
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/husn/settlement-service/internal/domain"
)

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	_ = godotenv.Load("../.env")
	_ = godotenv.Load(".env")

	apiKey := os.Getenv("INTERNAL_API_KEY")
	if apiKey == "" {
		log.Fatal("INTERNAL_API_KEY environment variable is required")
	}
	baseURL := strings.TrimSuffix(os.Getenv("SETTLEMENT_SERVICE_URL"), "/")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
		fmt.Println("Using default URL:", baseURL)
	}
	c := &client{baseURL: baseURL, apiKey: apiKey, http: &http.Client{Timeout: 60 * time.Second}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	switch os.Args[1] {
	case "status":
		requireArgs(3)
		ledger, err := c.payout(ctx, os.Args[2])
		if err != nil {
			log.Fatalf("Failed to fetch payout: %v", err)
		}
		printLedger(ledger)
	case "cancel":
		requireArgs(4)
		id, reason := os.Args[2], strings.Join(os.Args[3:], " ")
		ledger, err := c.payout(ctx, id)
		if err != nil {
			log.Fatalf("Failed to fetch payout: %v", err)
		}
		printLedger(ledger)

		fmt.Printf("\nAre you sure you want to cancel this payout? (yes/no): ")
		var confirmation string
		fmt.Scanln(&confirmation)
		if confirmation != "yes" {
			fmt.Println("Cancellation aborted.")
			os.Exit(0)
		}

		var cancelled domain.PayoutLedger
		if err := c.do(ctx, http.MethodPost, "/internal/payouts/"+id+"/cancel", map[string]string{"reason": reason}, &cancelled); err != nil {
			log.Fatalf("Failed to cancel payout: %v", err)
		}
		fmt.Printf("Payout %s is now %s\n", cancelled.ID, cancelled.Status)
	case "retry":
		requireArgs(3)
		var ledger domain.PayoutLedger
		if err := c.do(ctx, http.MethodPost, "/internal/payouts/"+os.Args[2]+"/retry", nil, &ledger); err != nil {
			log.Fatalf("Failed to retry payout: %v", err)
		}
		printLedger(&ledger)
	case "reconcile":
		var result map[string]interface{}
		if err := c.do(ctx, http.MethodPost, "/internal/payouts/reconcile", nil, &result); err != nil {
			log.Fatalf("Reconcile failed: %v", err)
		}
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
	default:
		usage()
	}
}

func usage() {
	fmt.Println("Usage: payoutctl status <payout-id> | cancel <payout-id> <reason> | retry <payout-id> | reconcile")
	os.Exit(1)
}

func requireArgs(n int) {
	if len(os.Args) < n {
		usage()
	}
}

func printLedger(l *domain.PayoutLedger) {
	fmt.Printf("Payout Details:\n")
	fmt.Printf("  ID: %s\n", l.ID)
	fmt.Printf("  Professional: %s\n", l.ProfessionalID)
	fmt.Printf("  Week: %s to %s\n", l.WeekStart.Format("2006-01-02"), l.WeekEnd.Format("2006-01-02"))
	fmt.Printf("  Payout: %s (revenue %s, commission %s)\n", formatPaise(l.ProfessionalPayout), formatPaise(l.TotalRevenue), formatPaise(l.PlatformCommission))
	fmt.Printf("  Status: %s\n", l.Status)
	if l.FailureReason != nil {
		fmt.Printf("  Failure: %s (retryable: %t)\n", *l.FailureReason, l.FailureRetryable)
	}
	if l.GatewayPayoutID != nil {
		fmt.Printf("  Gateway payout: %s\n", *l.GatewayPayoutID)
	}
}

func formatPaise(v int64) string {
	sign := ""
	if v < 0 {
		sign, v = "-", -v
	}
	return fmt.Sprintf("%sINR %d.%02d", sign, v/100, v%100)
}

func (c *client) payout(ctx context.Context, id string) (*domain.PayoutLedger, error) {
	var ledger domain.PayoutLedger
	if err := c.do(ctx, http.MethodGet, "/internal/payouts/"+id, nil, &ledger); err != nil {
		return nil, err
	}
	return &ledger, nil
}

func (c *client) do(ctx context.Context, method, path string, body, target interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr apiError
		if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("settlement API error (%d %s): %s", resp.StatusCode, apiErr.Code, apiErr.Error)
		}
		return fmt.Errorf("settlement API error with status %d: %s", resp.StatusCode, string(raw))
	}
	if target == nil {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
