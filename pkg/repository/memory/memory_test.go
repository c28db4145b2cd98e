package memory_test

import (
	"testing"

	"github.com/m-mizutani/flakewatch/pkg/repository/memory"
	"github.com/m-mizutani/flakewatch/pkg/repository/repotest"
)

func TestRepository(t *testing.T) {
	repotest.Run(t, memory.New())
}
