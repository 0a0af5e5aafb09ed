package geo

import (
	"testing"

	"github.com/BTreeMap/CarePipe/internal/models"
)

func circleZone(id string, safety models.ZoneSafety, center models.LatLng, radius float64) models.Zone {
	return models.Zone{
		ID:     id,
		Kind:   models.ZoneKindCircle,
		Safety: safety,
		Center: center,
		Radius: radius,
	}
}

func TestLocateFirstMatchWins(t *testing.T) {
	pos := models.LatLng{Lat: 48.8584, Lng: 2.2945}
	home := circleZone("home", models.ZoneSafetyHome, pos, 200)
	danger := circleZone("danger", models.ZoneSafetyDanger, pos, 500)

	r := Locate(pos, []models.Zone{home, danger}, false, 100)
	if r.ZoneID() != "home" {
		t.Errorf("first containing zone should win, got %q", r.ZoneID())
	}
	if !r.IsSafe {
		t.Error("home zone should be safe")
	}
}

func TestLocateOrderSensitivity(t *testing.T) {
	// Two overlapping zones that both contain the position; the only
	// difference between the two calls is the list order. Callers rely on
	// stored order for tie-breaking, so this behavior is pinned.
	pos := models.LatLng{Lat: 10, Lng: 10}
	a := circleZone("a", models.ZoneSafetySafe, pos, 1000)
	b := circleZone("b", models.ZoneSafetyDanger, pos, 1000)

	if got := Locate(pos, []models.Zone{a, b}, false, 0).ZoneID(); got != "a" {
		t.Errorf("order [a b]: got %q, want a", got)
	}
	if got := Locate(pos, []models.Zone{b, a}, false, 0).ZoneID(); got != "b" {
		t.Errorf("order [b a]: got %q, want b", got)
	}
}

func TestLocateNoZoneNeutralDefault(t *testing.T) {
	pos := models.LatLng{Lat: 0, Lng: 0}
	away := circleZone("z", models.ZoneSafetySafe, models.LatLng{Lat: 50, Lng: 50}, 100)

	r := Locate(pos, []models.Zone{away}, false, 7)
	if r.Zone != nil {
		t.Errorf("expected unclassified position, got zone %q", r.ZoneID())
	}
	if !r.IsSafe {
		t.Error("unclassified position should be safe when neutral is not dangerous")
	}
	if r.Safety() != models.ZoneSafetyNeutral {
		t.Errorf("Safety() = %q, want neutral", r.Safety())
	}
	if r.EnteredAt != 7 {
		t.Errorf("EnteredAt = %d, want 7", r.EnteredAt)
	}

	strict := Locate(pos, []models.Zone{away}, true, 7)
	if strict.IsSafe {
		t.Error("unclassified position should be unsafe when neutral is dangerous")
	}
}

func TestReportIsEqualIgnoresTimestamps(t *testing.T) {
	pos := models.LatLng{Lat: 1, Lng: 1}
	zone := circleZone("z", models.ZoneSafetySafe, pos, 100)
	zones := []models.Zone{zone}

	first := Locate(pos, zones, false, 100)
	second := Locate(pos, zones, false, 999)
	if !first.IsEqual(second) {
		t.Error("reports with same zone and safety should be equal despite timestamps")
	}

	outside := Locate(models.LatLng{Lat: 30, Lng: 30}, zones, false, 100)
	if first.IsEqual(outside) {
		t.Error("reports with different zones should not be equal")
	}
	if first.IsEqual(nil) {
		t.Error("no report is equal to nil")
	}
}

func TestDoSendReportTruthTable(t *testing.T) {
	pos := models.LatLng{Lat: 1, Lng: 1}
	safeZone := circleZone("safe", models.ZoneSafetySafe, pos, 100)
	dangerZone := circleZone("danger", models.ZoneSafetyDanger, pos, 100)

	safe := Locate(pos, []models.Zone{safeZone}, false, 0)
	unsafe := Locate(pos, []models.Zone{dangerZone}, false, 0)

	tests := []struct {
		name string
		cur  *LocationReport
		old  *LocationReport
		want bool
	}{
		{"first report safe", safe, nil, false},
		{"first report unsafe", unsafe, nil, true},
		{"still safe", safe, safe, false},
		{"still unsafe", unsafe, unsafe, false},
		{"flip to unsafe", unsafe, safe, true},
		{"flip to safe", safe, unsafe, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cur.DoSendReport(tt.old); got != tt.want {
				t.Errorf("DoSendReport = %v, want %v", got, tt.want)
			}
		})
	}
}
