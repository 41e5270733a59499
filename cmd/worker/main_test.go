package main

import (
	"testing"

	"github.com/usermicrodevices/prod/internal/app"
	_ "github.com/usermicrodevices/prod/internal/testing/guard"
)

func TestWorkerSkipsStartupInTestMode(t *testing.T) {
	app.RefreshTestMode()
	if !app.InTestMode() {
		t.Fatal("expected test mode to be enabled by the guard package")
	}
	main()
}
