package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Run against an API started with STORE_DRIVER=memory SEED_USERS=20 (or any
// store whose directory holds user-admin and user-001..user-020).
const (
	numCustomers    = 20         // Seeded customers, one account each
	numTransactions = 2000       // Total number of transfers
	maxConcurrency  = 50         // Maximum number of concurrent requests
	initialBalance  = "10000.00" // Initial balance for each account
	maxAmount       = 1500       // Maximum transfer amount, whole units
	adminID         = "user-admin"
	successColor    = "\033[32m" // Green
	errorColor      = "\033[31m" // Red
	infoColor       = "\033[34m" // Blue
	resetColor      = "\033[0m"  // Reset color
)

var baseURL = "http://localhost:8080"

type Account struct {
	ID            string          `json:"id"`
	OwnerID       string          `json:"owner_id"`
	AccountNumber string          `json:"account_number"`
	Balance       decimal.Decimal `json:"balance"`
}

type StatusView struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Detail string `json:"detail"`
}

type errorBody struct {
	Code    string      `json:"code"`
	Request *StatusView `json:"request"`
}

func main() {
	if url := os.Getenv("BASE_URL"); url != "" {
		baseURL = url
	}

	fmt.Printf("%sstarting a load test with %d accounts and %d approved transfers%s\n",
		infoColor, numCustomers, numTransactions, resetColor)

	accounts := openAccounts(numCustomers)
	if len(accounts) < 2 {
		fmt.Printf("%sneed at least two accounts, got %d%s\n", errorColor, len(accounts), resetColor)
		os.Exit(1)
	}
	fmt.Printf("%sOpened %d accounts%s\n", successColor, len(accounts), resetColor)

	// Create semaphore for limiting concurrency
	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	startTime := time.Now()
	var (
		mu        sync.Mutex
		completed int
		failed    int
		errored   int
	)

	for i := 0; i < numTransactions; i++ {
		wg.Add(1)
		sem <- struct{}{} // Acquire semaphore

		go func(txNum int) {
			defer wg.Done()
			defer func() { <-sem }() // Release semaphore

			from := accounts[rand.Intn(len(accounts))]
			to := accounts[rand.Intn(len(accounts))]
			for to.ID == from.ID {
				to = accounts[rand.Intn(len(accounts))]
			}
			amount := decimal.New(int64(1+rand.Intn(maxAmount*100)), -2)

			status, err := transfer(from, to, amount)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				errored++
				if txNum%100 == 0 { // Only log some failures to avoid overwhelming output
					fmt.Printf("%sTransfer failed: %v%s\n", errorColor, err, resetColor)
				}
			case status == "COMPLETED":
				completed++
				if txNum%250 == 0 {
					fmt.Printf("%sTransfer %d: %s from %s to %s completed%s\n",
						successColor, txNum, amount.StringFixed(2), from.AccountNumber, to.AccountNumber, resetColor)
				}
			default:
				failed++
			}
		}(i)
	}

	wg.Wait()
	duration := time.Since(startTime)

	fmt.Printf("\n%s=== Load Test Results ===%s\n", infoColor, resetColor)
	fmt.Printf("Total number of transfers: %d\n", numTransactions)
	fmt.Printf("Completed: %s%d%s\n", successColor, completed, resetColor)
	fmt.Printf("Failed (settlement refused): %d\n", failed)
	fmt.Printf("Errors: %s%d%s\n", errorColor, errored, resetColor)
	fmt.Printf("Duration: %.2f seconds\n", duration.Seconds())
	fmt.Printf("Throughput: %.2f decisions/second\n", float64(numTransactions)/duration.Seconds())

	fmt.Printf("\n%sChecking final account balances...%s\n", infoColor, resetColor)
	if !checkBalances(accounts) {
		os.Exit(1)
	}
}

// openAccounts opens one account per seeded customer through an approved
// account request.
func openAccounts(count int) []Account {
	accounts := make([]Account, 0, count)

	for i := 1; i <= count; i++ {
		owner := fmt.Sprintf("user-%03d", i)

		var req StatusView
		status, err := post("/account-requests", map[string]string{
			"requester_id":    owner,
			"account_type":    "CHECKING",
			"initial_balance": initialBalance,
			"reason":          "load test",
		}, &req)
		if err != nil || status != http.StatusCreated {
			fmt.Printf("%sFailed to request account for %s: status %d, %v%s\n", errorColor, owner, status, err, resetColor)
			continue
		}

		view, err := approve(req.ID)
		if err != nil {
			fmt.Printf("%sFailed to approve account request %s: %v%s\n", errorColor, req.ID, err, resetColor)
			continue
		}

		account, err := getAccount(strings.TrimPrefix(view.Detail, "account "))
		if err != nil {
			fmt.Printf("%sFailed to load account for %s: %v%s\n", errorColor, owner, err, resetColor)
			continue
		}

		accounts = append(accounts, *account)
		if i%5 == 0 || i == count {
			fmt.Printf("%sopened account %d/%d: %s with balance %s%s\n",
				successColor, i, count, account.AccountNumber, account.Balance.StringFixed(2), resetColor)
		}
	}

	return accounts
}

// transfer submits a transfer as the sender's owner and approves it.
func transfer(from, to Account, amount decimal.Decimal) (string, error) {
	var tx StatusView
	status, err := post("/transactions", map[string]string{
		"requester_id":            from.OwnerID,
		"type":                    "TRANSFER",
		"sender_account_number":   from.AccountNumber,
		"receiver_account_number": to.AccountNumber,
		"amount":                  amount.StringFixed(2),
	}, &tx)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", fmt.Errorf("failed to submit transfer, status: %d", status)
	}

	view, err := approve(tx.ID)
	if err != nil {
		return "", err
	}
	return view.Status, nil
}

// approve decides a request as the seeded admin. A 422 still carries the
// FAILED request.
func approve(id string) (*StatusView, error) {
	body := map[string]string{"approver_id": adminID, "outcome": "APPROVE"}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %v", err)
	}
	resp, err := http.Post(baseURL+"/requests/"+id+"/decision", "application/json", bytes.NewBuffer(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decide %s: %v", id, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var view StatusView
		if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
			return nil, fmt.Errorf("failed to decode response: %v", err)
		}
		return &view, nil
	case http.StatusUnprocessableEntity:
		var failed errorBody
		if err := json.NewDecoder(resp.Body).Decode(&failed); err != nil || failed.Request == nil {
			return nil, fmt.Errorf("failed to decode failure for %s", id)
		}
		return failed.Request, nil
	default:
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("failed to decide %s, status: %d, body: %s", id, resp.StatusCode, string(raw))
	}
}

func post(path string, body any, out any) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal JSON: %v", err)
	}

	resp, err := http.Post(baseURL+path, "application/json", bytes.NewBuffer(data))
	if err != nil {
		return 0, fmt.Errorf("failed to post %s: %v", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("body: %s", string(raw))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %v", err)
	}
	return resp.StatusCode, nil
}

// getAccount retrieves account information
func getAccount(accountID string) (*Account, error) {
	resp, err := http.Get(fmt.Sprintf("%s/accounts/%s", baseURL, accountID))
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("failed to get account, status: %d, body: %s", resp.StatusCode, string(body))
	}

	var account Account
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return nil, fmt.Errorf("failed to decode response: %v", err)
	}
	return &account, nil
}

// checkBalances verifies money was neither created nor destroyed and no
// account went negative.
func checkBalances(accounts []Account) bool {
	want := decimal.RequireFromString(initialBalance).Mul(decimal.NewFromInt(int64(len(accounts))))
	total := decimal.Zero
	ok := true

	for _, original := range accounts {
		account, err := getAccount(original.ID)
		if err != nil {
			fmt.Printf("%sError retrieving account %s: %v%s\n", errorColor, original.ID, err, resetColor)
			return false
		}
		if account.Balance.IsNegative() {
			fmt.Printf("%sAccount %s is negative: %s%s\n", errorColor, account.AccountNumber, account.Balance.StringFixed(2), resetColor)
			ok = false
		}
		total = total.Add(account.Balance)
	}

	if !total.Equal(want) {
		fmt.Printf("%sTotal balance %s, expected %s%s\n", errorColor, total.StringFixed(2), want.StringFixed(2), resetColor)
		return false
	}
	if ok {
		fmt.Printf("%sTotal balance conserved at %s across %d accounts%s\n", successColor, total.StringFixed(2), len(accounts), resetColor)
	}
	return ok
}
