// Command tgbot serves the operator chat: cancel buttons on run
// notifications and the /runs command. It shares DATABASE_URL with the API
// server; cancellations reach running jobs through the runs table.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"Dynaopt/internal/config"
	"Dynaopt/internal/notify/telegram"
	"Dynaopt/internal/repo"

	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := config.LoadEnv(); err != nil {
		logger.Fatal("load env", zap.Error(err))
	}
	token := os.Getenv("TOKEN_BOT")
	peerStr := os.Getenv("ADMIN_PEER_ID")
	dbURL := os.Getenv("DATABASE_URL")
	if token == "" || peerStr == "" || dbURL == "" {
		logger.Fatal("TOKEN_BOT, ADMIN_PEER_ID or DATABASE_URL missing")
	}
	adminID, err := strconv.ParseInt(peerStr, 10, 64)
	if err != nil {
		logger.Fatal("ADMIN_PEER_ID", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := repo.InitDB(ctx, dbURL)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer db.Close()

	bot := &telegram.Bot{
		Client:  telegram.NewClient(token),
		AdminID: adminID,
		Runs:    repo.NewPostgresRunDB(db),
		Log:     logger,
		Wait:    20 * time.Second,
	}
	logger.Info("bot polling", zap.Int64("admin", adminID))
	if err := bot.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("poll", zap.Error(err))
	}
}
