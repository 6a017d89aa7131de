package quota

import (
	"context"
	"testing"

	"github.com/felipepmaragno/tunegate/internal/domain"
)

func TestMonitor_Observe(t *testing.T) {
	key := domain.UsageKey{ModelID: "m1", OwnerID: "u1", Period: "2024-03-01"}

	tests := []struct {
		name  string
		count int64
		want  AlertLevel
	}{
		{"below warning", 39, ""},
		{"warning", 40, AlertLevelWarning},
		{"critical", 48, AlertLevelCritical},
		{"at limit", 50, AlertLevelExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(DefaultThresholds(), nil)
			alert := m.Observe(context.Background(), key, tt.count, 50)

			if tt.want == "" {
				if alert != nil {
					t.Errorf("Observe() = %+v, want nil", alert)
				}
				return
			}
			if alert == nil {
				t.Fatalf("Observe() = nil, want %s", tt.want)
			}
			if alert.Level != tt.want {
				t.Errorf("Level = %s, want %s", alert.Level, tt.want)
			}
		})
	}
}

func TestMonitor_DispatchesOncePerLevel(t *testing.T) {
	m := NewMonitor(DefaultThresholds(), NewInMemoryDeduplicator())
	ctx := context.Background()
	key := domain.UsageKey{ModelID: "m1", OwnerID: "u1", Period: "2024-03-01"}

	var got []AlertLevel
	m.OnAlert(func(ctx context.Context, a Alert) {
		got = append(got, a.Level)
	})

	for count := int64(1); count <= 55; count++ {
		m.Observe(ctx, key, count, 50)
	}

	want := []AlertLevel{AlertLevelWarning, AlertLevelCritical, AlertLevelExceeded}
	if len(got) != len(want) {
		t.Fatalf("alerts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("alert[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestMonitor_NoLimitNoAlert(t *testing.T) {
	m := NewMonitor(DefaultThresholds(), nil)
	if a := m.Observe(context.Background(), domain.UsageKey{}, 1000, 0); a != nil {
		t.Errorf("Observe() with no limit = %+v", a)
	}
}

func TestInMemoryDeduplicator_ShouldAlert(t *testing.T) {
	ctx := context.Background()
	d := NewInMemoryDeduplicator()
	key := domain.UsageKey{ModelID: "m1", OwnerID: "u1", Period: "2024-03-01"}
	nextDay := domain.UsageKey{ModelID: "m1", OwnerID: "u1", Period: "2024-03-02"}

	if !d.ShouldAlert(ctx, key, AlertLevelWarning) {
		t.Error("first alert should be allowed")
	}
	if d.ShouldAlert(ctx, key, AlertLevelWarning) {
		t.Error("same alert should be deduplicated")
	}
	if !d.ShouldAlert(ctx, key, AlertLevelCritical) {
		t.Error("different level should be allowed")
	}
	if !d.ShouldAlert(ctx, nextDay, AlertLevelWarning) {
		t.Error("new period should be allowed")
	}
}
