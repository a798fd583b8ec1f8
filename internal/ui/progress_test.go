package ui

import (
	"strings"
	"sync"
	"testing"
)

func TestProgress(t *testing.T) {
	p := NewProgress("Querying devices", []string{"PLUG1", "BULB1", "PLUG2"}).SetWidth(80)

	if got := p.Percent(); got != 0 {
		t.Fatalf("Percent() = %v, want 0", got)
	}

	var wg sync.WaitGroup
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Start(i)
			if i == 1 {
				p.Fail(i, "timeout")
				return
			}
			p.Done(i, "Kettle (HS100)")
		}()
	}
	wg.Wait()

	finished, failed := p.Counts()
	if finished != 3 || failed != 1 {
		t.Errorf("Counts() = %d, %d; want 3, 1", finished, failed)
	}
	if got := p.Percent(); got != 1 {
		t.Errorf("Percent() = %v, want 1", got)
	}

	out := p.String()
	for _, want := range []string{"Querying devices", "[3/3]", "1 failed", "PLUG1", "timeout", "Kettle (HS100)"} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q:\n%s", want, out)
		}
	}
}

func TestProgress_OutOfRange(t *testing.T) {
	p := NewProgress("", nil)
	p.Done(3, "ignored")
	p.Fail(-1, "ignored")

	if got := p.Percent(); got != 0 {
		t.Errorf("Percent() = %v, want 0", got)
	}
}

func TestGetTerminalSize_Fallback(t *testing.T) {
	if IsTerminal() {
		t.Skip("stdout is a terminal")
	}
	width, height := GetTerminalSize()
	if width != MinTerminalWidth || height != 24 {
		t.Errorf("GetTerminalSize() = %d, %d; want %d, 24", width, height, MinTerminalWidth)
	}
}
