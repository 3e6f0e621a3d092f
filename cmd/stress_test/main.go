package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/kitchen-stock/internal/adapter/queue"
	"github.com/rl1809/kitchen-stock/internal/adapter/storage"
	"github.com/rl1809/kitchen-stock/internal/adapter/storage/memory"
	"github.com/rl1809/kitchen-stock/internal/core/domain"
	"github.com/rl1809/kitchen-stock/internal/core/service"
	"github.com/rl1809/kitchen-stock/internal/extraction"
	"github.com/rl1809/kitchen-stock/internal/port"
	"github.com/rl1809/kitchen-stock/internal/worker"
)

const (
	ingredientName = "mozzarella"
	initialStock   = 20
	totalRequests  = 50
	queueSize      = 100
	workerCount    = 8
)

func main() {
	sqlitePath := flag.String("sqlite", "", "run against a SQLite file instead of the memory store")
	flag.Parse()

	ctx := context.Background()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Initialize store
	var store port.Store = memory.New()
	if *sqlitePath != "" {
		db, err := sql.Open("sqlite", *sqlitePath)
		if err != nil {
			log.Fatalf("failed to open sqlite: %v", err)
		}
		store = storage.NewSQLiteAdapter(db)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}

	// Initialize services
	q := queue.NewChannelQueue(queueSize)
	opts := []service.Option{service.WithLogger(quiet)}
	catalog := service.NewCatalogService(store, opts...)
	ledger := service.NewLedgerService(store, opts...)
	receipts := service.NewReceiptService(store, catalog, ledger, extraction.Disabled{}, q, opts...)

	suffix := time.Now().Format("150405.000")
	ing, _, err := catalog.EnsureIngredient(ctx, ingredientName+" "+suffix, "g")
	if err != nil {
		log.Fatalf("failed to create ingredient: %v", err)
	}
	if _, err := ledger.AddStock(ctx, ing.Name, decimal.NewFromInt(initialStock), ""); err != nil {
		log.Fatalf("failed to set stock: %v", err)
	}
	recipe, err := catalog.CreateRecipe(ctx, service.RecipeInput{
		Name:  "stress pizza " + suffix,
		Items: []domain.RecipeItem{{IngredientID: ing.ID, Quantity: decimal.NewFromInt(1)}},
	})
	if err != nil {
		log.Fatalf("failed to create recipe: %v", err)
	}

	// Start worker pool
	pool := worker.New(q, receipts.Process, func(ctx context.Context, task domain.ReceiptTask, cause error) error {
		return receipts.MarkFailed(ctx, task.ReceiptID, cause)
	}, worker.Config{Workers: workerCount, MaxAttempts: 3}, quiet)
	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(ctx) }()

	// Spawn concurrent receipts
	var wg sync.WaitGroup
	var mu sync.Mutex
	ids := make([]string, 0, totalRequests)
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			r, err := receipts.SubmitManual(ctx, []service.ManualLine{{RecipeID: recipe.ID, Quantity: decimal.NewFromInt(1)}})
			if err != nil {
				log.Printf("submit failed: %v", err)
				return
			}
			mu.Lock()
			ids = append(ids, r.ID)
			mu.Unlock()
		}()
	}

	wg.Wait()
	q.Close()
	if err := <-poolDone; err != nil {
		log.Fatalf("worker pool: %v", err)
	}
	elapsed := time.Since(start)

	// Counters
	var successCount, failCount atomic.Int32
	for _, id := range ids {
		r, err := receipts.Get(ctx, id)
		if err != nil {
			log.Fatalf("failed to load receipt %s: %v", id, err)
		}
		switch r.Status {
		case domain.StatusCompleted:
			successCount.Add(1)
		case domain.StatusFailed:
			failCount.Add(1)
		}
	}

	// Results
	success := successCount.Load()
	fail := failCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Receipts:   %d\n", totalRequests)
	fmt.Printf("Completed:        %d\n", success)
	fmt.Printf("Failed:           %d\n", fail)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	// Assertions
	if success == initialStock && fail == totalRequests-initialStock {
		fmt.Printf("PASS: Exactly %d receipts completed, %d failed\n", initialStock, totalRequests-initialStock)
	} else {
		fmt.Printf("FAIL: Expected %d completed/%d failed, got %d/%d\n",
			initialStock, totalRequests-initialStock, success, fail)
	}

	// Verify final stock and ledger
	history, err := ledger.History(ctx, ing.ID, 0)
	if err != nil {
		log.Fatalf("failed to load history: %v", err)
	}
	sum := decimal.Zero
	for _, e := range history {
		sum = sum.Add(e.Quantity)
	}
	fmt.Printf("Ledger Balance:   %s (%d entries)\n", sum, len(history))

	if sum.IsZero() {
		fmt.Println("PASS: Stock depleted to 0")
	} else {
		fmt.Printf("FAIL: Expected stock 0, got %s\n", sum)
	}
}
