package geo

import (
	"strconv"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// LocationReport records the outcome of classifying one position sample.
// Reports are ephemeral: a session holds exactly one and supersedes it with
// the next sample. Equality compares the occupied-zone identity and safety,
// never the entry timestamp.
type LocationReport struct {
	// EnteredAt is when the patient entered the current zone situation.
	// A session inherits the old value when the signature is unchanged,
	// which debounces GPS chatter at zone borders.
	EnteredAt int64
	// Zone is the occupied zone, or nil when the position is unclassified.
	Zone *models.Zone
	// IsSafe is the safety of the current situation.
	IsSafe bool

	signature string
}

// Locate classifies a position against the patient's zones and returns the
// resulting report stamped with the given time.
//
// The first zone in stored order whose geometry contains the position wins;
// iteration short-circuits there. Overlap between zones is therefore
// resolved by list order, not by any most-specific-zone rule, and callers
// may rely on that ordering for tie-breaking (see TestLocateOrderSensitivity).
// When no zone matches, safety defaults to !neutralIsDangerous.
func Locate(pos models.LatLng, zones []models.Zone, neutralIsDangerous bool, at int64) *LocationReport {
	report := &LocationReport{
		EnteredAt: at,
		IsSafe:    !neutralIsDangerous,
	}
	for i := range zones {
		if PointInZone(pos, &zones[i]) {
			report.Zone = &zones[i]
			report.IsSafe = zones[i].Safety.IsSafe()
			break
		}
	}
	report.signature = report.ZoneID() + ":" + strconv.FormatBool(report.IsSafe)
	return report
}

// ZoneID returns the occupied zone id, or "" for unclassified positions.
func (r *LocationReport) ZoneID() string {
	if r.Zone == nil {
		return ""
	}
	return r.Zone.ID
}

// Safety returns the safety classification of the occupied zone, falling
// back to neutral for unclassified positions.
func (r *LocationReport) Safety() models.ZoneSafety {
	if r.Zone == nil {
		return models.ZoneSafetyNeutral
	}
	return r.Zone.Safety
}

// Signature is the cheap equality key "zoneId:isSafe".
func (r *LocationReport) Signature() string {
	return r.signature
}

// IsEqual reports whether two reports describe the same zone situation.
// Entry timestamps do not affect equality.
func (r *LocationReport) IsEqual(other *LocationReport) bool {
	if other == nil {
		return false
	}
	return r.signature == other.signature
}

// DoSendReport decides whether superseding old with r warrants a caregiver
// notification: only on unsafe entry with no prior report, or on any safety
// flip. Repeated "still safe" and "still unsafe" samples stay quiet.
func (r *LocationReport) DoSendReport(old *LocationReport) bool {
	if old == nil {
		return !r.IsSafe
	}
	return old.IsSafe != r.IsSafe
}
