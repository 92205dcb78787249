package quality

import (
	"math"
	"time"

	"github.com/mirkored07/rde-mvp-sub000/internal/telemetry"
)

// repairSmallGaps fills timeline gaps wider than stepS but no wider than
// maxSpanS by inserting rows at stepS intervals. Inserted rows carry the
// channel values of the row before the gap. The result is a new table
// sorted by time; when nothing needs repair the input table is returned
// unchanged.
func repairSmallGaps(tab *telemetry.Table, stepS, maxSpanS float64) (*telemetry.Table, []RepairedSpan, error) {
	if !isFinite(stepS) || stepS <= 0 {
		return tab, nil, nil
	}

	timeline := tab.Times()
	type insertion struct {
		srcRow int
		ts     time.Time
	}
	var inserts []insertion
	var spans []RepairedSpan

	for i := 1; i < len(timeline); i++ {
		prev, curr := timeline[i-1], timeline[i]
		if prev.IsZero() || curr.IsZero() {
			continue
		}
		delta := curr.Sub(prev).Seconds()
		if !isFinite(delta) || delta <= stepS || delta > maxSpanS {
			continue
		}
		insertCount := int(math.Ceil(delta/stepS)) - 1
		if insertCount <= 0 {
			continue
		}

		inserted := 0
		for k := 1; k <= insertCount; k++ {
			ts := prev.Add(time.Duration(stepS * float64(k) * float64(time.Second)))
			if !ts.Before(curr) {
				break
			}
			inserts = append(inserts, insertion{srcRow: i - 1, ts: ts})
			inserted++
		}
		if inserted > 0 {
			spans = append(spans, RepairedSpan{
				Start:    prev.UTC().Format(time.RFC3339Nano),
				End:      curr.UTC().Format(time.RFC3339Nano),
				Seconds:  delta,
				Inserted: inserted,
			})
		}
	}

	if len(inserts) == 0 {
		return tab, nil, nil
	}

	times := make([]time.Time, 0, tab.Len()+len(inserts))
	times = append(times, timeline...)
	for _, ins := range inserts {
		times = append(times, ins.ts)
	}

	out := telemetry.NewTable()
	if err := out.SetTimes(times); err != nil {
		return nil, nil, err
	}
	for _, name := range tab.ColumnNames() {
		src, _ := tab.Column(name)
		ext := make([]float64, 0, len(times))
		ext = append(ext, src...)
		for _, ins := range inserts {
			ext = append(ext, src[ins.srcRow])
		}
		if err := out.AddColumn(name, ext); err != nil {
			return nil, nil, err
		}
	}
	if err := out.SortByTime(); err != nil {
		return nil, nil, err
	}
	return out, spans, nil
}
