package priority

import (
	"testing"

	"github.com/CosmoTheDev/ctrlscan-relay/models"
)

func TestMapTable(t *testing.T) {
	m := Mapper{}
	cases := map[models.SeverityLevel]models.Priority{
		models.SeverityCritical: models.PriorityUrgent,
		models.SeverityHigh:     models.PriorityUrgent,
		models.SeverityMedium:   models.PriorityHigh,
		models.SeverityLow:      models.PriorityMedium,
		models.SeverityInfo:     models.PriorityLow,
		models.SeverityUnknown:  models.PriorityLow,
		"SOMETHING":             models.PriorityLow,
	}
	for sev, want := range cases {
		if got := m.Map(sev); got != want {
			t.Fatalf("Map(%s) = %d, want %d", sev, got, want)
		}
	}
}

func TestMapConfiguredDefault(t *testing.T) {
	m := New(2)
	if got := m.Map(models.SeverityUnknown); got != models.PriorityHigh {
		t.Fatalf("unknown severity: got %d, want configured default 2", got)
	}
	if got := m.Map(models.SeverityInfo); got != models.PriorityHigh {
		t.Fatalf("info severity: got %d, want configured default 2", got)
	}
	if got := m.Map(models.SeverityCritical); got != models.PriorityUrgent {
		t.Fatalf("default must not override the table: got %d", got)
	}
}

func TestNewIgnoresOutOfRangeDefault(t *testing.T) {
	for _, def := range []int{-1, 0, 5, 99} {
		if got := New(def).Map(models.SeverityUnknown); got != models.PriorityLow {
			t.Fatalf("New(%d): got %d, want low", def, got)
		}
	}
}
