package service

import (
	"os"
	"testing"

	"croupier_bot/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InitNop()
	os.Exit(m.Run())
}
