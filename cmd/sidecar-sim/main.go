// Sidecar simulator - a stand-in signing service for local payer development.
// Speaks the sidecar REST protocol (/health, /api/balance, /api/pay/generate)
// over a simulated shielded wallet, with flags to inject every failure the
// client knows how to handle.
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/siddimore/x402-payer/internal"
)

const simVersion = "0.4.1"

// wallet simulates a shielded wallet holding equal-sized notes.
type wallet struct {
	mu       sync.Mutex
	balance  decimal.Decimal
	noteSize decimal.Decimal
	payments int
}

func (w *wallet) snapshot() (total, largest, smallest decimal.Decimal, notes int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	total = w.balance
	if !total.IsPositive() {
		return total, decimal.Zero, decimal.Zero, 0
	}

	notes = total.Div(w.noteSize).Ceil().IntPart()
	largest = w.noteSize
	if total.LessThan(largest) {
		largest = total
	}
	smallest = total.Mod(w.noteSize)
	if smallest.IsZero() {
		smallest = largest
	}
	return total, largest, smallest, notes
}

func (w *wallet) debit(amount decimal.Decimal) decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balance = w.balance.Sub(amount)
	w.payments++
	return w.balance
}

type balanceRequest struct {
	EncryptedNote string `json:"encryptedNote"`
	NotePassword  string `json:"notePassword"`
}

type payRequest struct {
	EncryptedNote string        `json:"encryptedNote"`
	NotePassword  string        `json:"notePassword"`
	Challenge     challengeBody `json:"challenge"`
}

type challengeBody struct {
	Scheme            string          `json:"scheme"`
	Network           string          `json:"network"`
	MaxAmountRequired decimal.Decimal `json:"maxAmountRequired"`
	Resource          string          `json:"resource"`
	PayTo             string          `json:"payTo"`
	Asset             string          `json:"asset"`
	Nonce             string          `json:"nonce"`
}

func main() {
	listenAddr := flag.String("listen", ":3000", "Listen address")
	startBalance := flag.String("balance", "25.00", "Starting wallet balance in USDC")
	noteSize := flag.String("note-size", "10.00", "Size of a single shielded note")
	chain := flag.String("chain", "base", "Chain reported by /health")
	latency := flag.Duration("latency", 0, "Artificial proof generation delay")
	failRate := flag.Float64("fail-rate", 0, "Probability [0,1] that proof generation fails")
	locked := flag.Bool("locked", false, "Reject everything as if the note password were wrong")
	debug := flag.Bool("debug", false, "Verbose request logging")

	flag.Parse()

	balance, err := decimal.NewFromString(*startBalance)
	if err != nil {
		log.Fatalf("Invalid -balance: %v", err)
	}
	note, err := decimal.NewFromString(*noteSize)
	if err != nil || !note.IsPositive() {
		log.Fatalf("Invalid -note-size: %v", err)
	}

	w := &wallet{balance: balance, noteSize: note}
	start := time.Now()

	if !*debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": simVersion,
			"uptime":  time.Since(start).Seconds(),
			"mode":    "simulator",
			"chains":  []string{*chain},
		})
	})

	api := router.Group("/api")

	api.POST("/balance", func(c *gin.Context) {
		var req balanceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			gatewayError(c, http.StatusBadRequest, "INVALID_REQUEST", "malformed balance request", nil)
			return
		}
		if req.EncryptedNote == "" {
			gatewayError(c, http.StatusBadRequest, "INVALID_NOTE", "no encrypted note supplied", nil)
			return
		}
		if *locked {
			gatewayError(c, http.StatusUnauthorized, "WALLET_LOCKED", "note password is incorrect", nil)
			return
		}

		total, largest, smallest, notes := w.snapshot()
		c.JSON(http.StatusOK, gin.H{
			"totalUsdc":    total,
			"noteCount":    notes,
			"largestNote":  largest,
			"smallestNote": smallest,
			"chain":        *chain,
		})
	})

	api.POST("/pay/generate", func(c *gin.Context) {
		var req payRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			gatewayError(c, http.StatusBadRequest, "INVALID_REQUEST", "malformed payment request", nil)
			return
		}
		if *locked {
			gatewayError(c, http.StatusUnauthorized, "WALLET_LOCKED", "note password is incorrect", nil)
			return
		}

		amount := req.Challenge.MaxAmountRequired
		if !amount.IsPositive() {
			gatewayError(c, http.StatusBadRequest, "INVALID_CHALLENGE", "challenge amount must be positive", nil)
			return
		}

		if rand.Float64() < *failRate {
			gatewayError(c, http.StatusInternalServerError, "PROOF_GENERATION_FAILED", "injected proof failure", map[string]string{
				"phase": "proof_synthesis",
			})
			return
		}

		total, largest, _, _ := w.snapshot()
		if amount.GreaterThan(total) {
			gatewayError(c, http.StatusPaymentRequired, "INSUFFICIENT_BALANCE", "wallet cannot cover the payment", map[string]string{
				"required":  amount.String(),
				"available": total.String(),
			})
			return
		}
		if amount.GreaterThan(largest) {
			gatewayError(c, http.StatusPaymentRequired, "NOTE_EXHAUSTED", "no single note covers the payment", map[string]string{
				"required":    amount.String(),
				"largestNote": largest.String(),
			})
			return
		}

		if *latency > 0 {
			time.Sleep(*latency)
		}

		remaining := w.debit(amount)
		proofID := internal.GenerateToken("proof_")
		nullifier := internal.GenerateHash()

		proof, _ := json.Marshal(map[string]string{
			"proofId":   proofID,
			"nullifier": nullifier,
			"amount":    amount.String(),
			"payTo":     req.Challenge.PayTo,
			"nonce":     req.Challenge.Nonce,
		})

		c.JSON(http.StatusOK, gin.H{
			"authHeader":       base64.StdEncoding.EncodeToString(proof),
			"amountPaid":       amount,
			"remainingBalance": remaining,
			"nullifierHash":    nullifier,
			"proofId":          proofID,
		})
	})

	log.Printf("🔐 Sidecar Simulator starting on %s", *listenAddr)
	log.Printf("💰 Wallet: %s USDC in %s notes on %s", balance, note, *chain)
	if *locked {
		log.Printf("🔒 Wallet is LOCKED: every call will fail")
	}
	if *failRate > 0 {
		log.Printf("💥 Failing %.0f%% of proof generations", *failRate*100)
	}
	log.Println("")
	log.Println("Endpoints:")
	log.Printf("  GET  http://localhost%s/health", *listenAddr)
	log.Printf("  POST http://localhost%s/api/balance", *listenAddr)
	log.Printf("  POST http://localhost%s/api/pay/generate", *listenAddr)

	log.Fatal(router.Run(*listenAddr))
}

// gatewayError writes the sidecar error envelope the client maps onto its
// error taxonomy.
func gatewayError(c *gin.Context, status int, code, message string, details map[string]string) {
	body := gin.H{
		"code":    code,
		"message": message,
	}
	if len(details) > 0 {
		body["details"] = details
	}
	c.JSON(status, gin.H{"error": body})
}
