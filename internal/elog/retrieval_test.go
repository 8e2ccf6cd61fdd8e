package elog

import "testing"

func TestNewCoreDefaultsParallelReaders(t *testing.T) {
	core := NewCore(&Client{}, nil, nil, 0, 0)
	if core.parallelReaders != defaultParallelReaders {
		t.Errorf("expected default parallelReaders %d, got %d", defaultParallelReaders, core.parallelReaders)
	}
	if core.defaultMaxResults != 20 {
		t.Errorf("expected default max results 20, got %d", core.defaultMaxResults)
	}
}

func TestNewCoreHonorsExplicitParallelReaders(t *testing.T) {
	core := NewCore(&Client{}, nil, nil, 4, 50)
	if core.parallelReaders != 4 {
		t.Errorf("expected parallelReaders 4, got %d", core.parallelReaders)
	}
	if core.defaultMaxResults != 50 {
		t.Errorf("expected default max results 50, got %d", core.defaultMaxResults)
	}
}
