package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"inventory-backoffice/internal/core"
	"inventory-backoffice/internal/db"
)

func usage() {
	fmt.Println(`Usage:
  app receive   <tenant> <product> <warehouse> <qty> <unit_cost> [ref]
  app deduct    <tenant> <product> <warehouse> <qty> [ref]
  app reserve   <tenant> <product> <warehouse> <qty> [ref]
  app release   <tenant> <product> <warehouse> <qty> [ref]
  app adjust    <tenant> <product> <warehouse> <counted_qty> [ref]
  app transfer  <tenant> <product> <from_wh> <to_wh> <qty> [ref]
  app levels    [tenant]
  app automation [tenant]
  app provision <code> <name> <admin_user> <admin_email> <admin_password>`)
	os.Exit(1)
}

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Unable to create logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	pool, err := db.NewPool(ctx)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer pool.Close()

	bus := core.NewBus(logger)
	defer bus.Close()

	users := core.NewUserService(pool)
	tenants := core.NewTenantService(pool, users)
	ledger := core.NewStockLedger(pool, bus, logger)
	transfers := core.NewTransferService(pool, ledger)
	accounting := core.NewAccountingService(pool)

	recorder := core.NewAuditRecorder(pool, users, &core.LogDispatcher{Log: logger}, logger)
	recorder.Register(bus)

	switch os.Args[1] {
	case "receive":
		tctx, productID, warehouseID, qty := moveArgs(ctx, 7)
		unitCost := mustDecimal(os.Args[6])
		stock, err := ledger.Receive(tctx, productID, warehouseID, qty, unitCost, optRef(7))
		exitOn(err)
		printStock(stock)

	case "deduct":
		tctx, productID, warehouseID, qty := moveArgs(ctx, 6)
		stock, err := ledger.Deduct(tctx, productID, warehouseID, qty, optRef(6))
		exitOn(err)
		printStock(stock)

	case "reserve":
		tctx, productID, warehouseID, qty := moveArgs(ctx, 6)
		stock, err := ledger.Reserve(tctx, productID, warehouseID, qty, optRef(6))
		exitOn(err)
		printStock(stock)

	case "release":
		tctx, productID, warehouseID, qty := moveArgs(ctx, 6)
		stock, err := ledger.Release(tctx, productID, warehouseID, qty, optRef(6))
		exitOn(err)
		printStock(stock)

	case "adjust":
		tctx, productID, warehouseID, qty := moveArgs(ctx, 6)
		stock, err := ledger.Adjust(tctx, productID, warehouseID, qty, optRef(6))
		exitOn(err)
		printStock(stock)

	case "transfer":
		if len(os.Args) < 7 {
			usage()
		}
		tctx := core.WithTenant(ctx, mustInt(os.Args[2]))
		productID := mustInt(os.Args[3])
		fromWH := mustInt(os.Args[4])
		toWH := mustInt(os.Args[5])
		qty := mustDecimal(os.Args[6])
		src, dst, err := ledger.Transfer(tctx, productID, fromWH, toWH, qty, optRef(7))
		exitOn(err)
		fmt.Println("source:")
		printStock(src)
		fmt.Println("destination:")
		printStock(dst)

	case "levels":
		lctx := core.WithMaintenance(ctx)
		if len(os.Args) > 2 {
			lctx = core.WithTenant(ctx, mustInt(os.Args[2]))
		}
		levels, err := ledger.GetStockLevels(lctx)
		exitOn(err)
		for _, lvl := range levels {
			fmt.Printf("%-4d %-16s %-32s %-8s qty=%s reserved=%s available=%s avg_cost=%s\n",
				lvl.TenantID, lvl.ProductCode, lvl.ProductName, lvl.WarehouseCode,
				lvl.Quantity, lvl.Reserved, lvl.Available, lvl.CostAverage)
		}

	case "automation":
		runner := core.NewAutomationRunner(pool, tenants, transfers, accounting, bus, logger)
		var tenantID *int
		if len(os.Args) > 2 {
			id := mustInt(os.Args[2])
			tenantID = &id
		}
		results, err := runner.RunAll(ctx, tenantID)
		exitOn(err)
		for id, result := range results {
			if result.Err != nil {
				fmt.Printf("tenant %d: FAILED: %v\n", id, result.Err)
				continue
			}
			fmt.Printf("tenant %d: %v\n", id, result.Counts)
		}

	case "provision":
		if len(os.Args) < 7 {
			usage()
		}
		tenant, err := tenants.Provision(core.WithMaintenance(ctx),
			os.Args[2], os.Args[3], os.Args[4], os.Args[5], os.Args[6])
		exitOn(err)
		fmt.Printf("tenant %d (%s) provisioned\n", tenant.ID, tenant.Code)

	default:
		usage()
	}
}

// moveArgs parses the shared <tenant> <product> <warehouse> <qty> prefix.
func moveArgs(ctx context.Context, minArgs int) (context.Context, int, int, decimal.Decimal) {
	if len(os.Args) < minArgs {
		usage()
	}
	tctx := core.WithTenant(ctx, mustInt(os.Args[2]))
	return tctx, mustInt(os.Args[3]), mustInt(os.Args[4]), mustDecimal(os.Args[5])
}

func optRef(pos int) string {
	if len(os.Args) > pos {
		return os.Args[pos]
	}
	return "CLI"
}

func mustInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		log.Fatalf("Invalid integer %q: %v", s, err)
	}
	return n
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		log.Fatalf("Invalid amount %q: %v", s, err)
	}
	return d
}

func exitOn(err error) {
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func printStock(s *core.Stock) {
	fmt.Printf("  stock %d: qty=%s reserved=%s available=%s avg_cost=%s\n",
		s.ID, s.Quantity, s.Reserved, s.Available, s.CostAverage)
}
