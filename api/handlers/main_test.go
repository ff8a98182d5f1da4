package handlers_test

import (
	"context"
	"os"
	"testing"

	apitesting "github.com/hearthworks/tally/api/testing"
	tallytesting "github.com/hearthworks/tally/utils/pkg/testing"
)

var sharedDB *apitesting.DB

func TestMain(m *testing.M) {
	log := tallytesting.NewLogger()
	var err error
	sharedDB, err = apitesting.NewDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to create shared DB", "error", err)
		os.Exit(1)
	}
	code := m.Run()
	sharedDB.Close()
	os.Exit(code)
}
