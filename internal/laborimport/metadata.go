package laborimport

import (
	"context"
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/jobcost-cli/internal/model"
	"github.com/sells-group/jobcost-cli/internal/store"
)

var jobNumberPattern = regexp.MustCompile(`^\s*(\d+)`)

// excelEpoch is day zero of the 1900 date system as spreadsheets count it
// (the phantom 1900-02-29 shifts it back from 1899-12-31).
var excelEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// maxExcelSerial is 9999-12-31, the largest date a workbook can hold.
const maxExcelSerial = 2958465

// Metadata is the resolved header of a labor sheet.
type Metadata struct {
	JobNumber  string
	Project    *model.Project
	WeekEnding time.Time
}

// ParseJobNumber extracts the leading numeric token of the job cell
// ("5772 LS DOW" -> "5772").
func ParseJobNumber(cell string) (string, error) {
	m := jobNumberPattern.FindStringSubmatch(cell)
	if m == nil {
		return "", metadataError(nil, "no job number found in %q", cell)
	}
	return m[1], nil
}

// ParseWeekEnding converts the week-ending cell to a UTC date. Spreadsheet
// serials are the normal form; ISO and US text dates are accepted too.
// The fractional (time of day) part of a serial is ignored.
func ParseWeekEnding(cell string) (time.Time, error) {
	s := strings.TrimSpace(cell)
	if s == "" {
		return time.Time{}, metadataError(nil, "week-ending date is empty")
	}

	if serial, err := strconv.ParseFloat(s, 64); err == nil {
		days := math.Floor(serial)
		if days < 1 || days > maxExcelSerial {
			return time.Time{}, metadataError(nil, "week-ending serial %s is out of range", s)
		}
		return excelEpoch.AddDate(0, 0, int(days)), nil
	}

	for _, layout := range []string{time.DateOnly, "1/2/2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, metadataError(nil, "unparseable week-ending date %q", s)
}

// ParseWeekday maps "sunday".."saturday" to a time.Weekday. An empty name
// disables the weekday check.
func ParseWeekday(name string) (*time.Weekday, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.ToLower(d.String()) == name {
			return &d, nil
		}
	}
	return nil, eris.Errorf("laborimport: unknown weekday %q", name)
}

// ResolveMetadata parses the job and week cells and resolves the project.
// With projectID > 0 that project is loaded and its job number must match
// the sheet; otherwise an active project is looked up by job number.
func ResolveMetadata(ctx context.Context, st store.Store, sheet *Sheet, projectID int64, weekday *time.Weekday) (*Metadata, error) {
	job, err := ParseJobNumber(sheet.JobCell)
	if err != nil {
		return nil, err
	}

	week, err := ParseWeekEnding(sheet.WeekCell)
	if err != nil {
		return nil, err
	}
	if weekday != nil && week.Weekday() != *weekday {
		return nil, metadataError(nil, "week ending %s is a %s, expected %s",
			model.WeekKey(week), week.Weekday(), *weekday)
	}

	var project *model.Project
	if projectID > 0 {
		project, err = st.GetProject(ctx, projectID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, metadataError(nil, "project %d not found", projectID)
		}
		if err != nil {
			return nil, eris.Wrap(err, "laborimport: load project")
		}
		if !project.Active {
			return nil, metadataError(nil, "project %d (%s) is inactive", projectID, project.JobNumber)
		}
		if project.JobNumber != job {
			return nil, metadataError(nil, "file is for job %s but project %d is job %s", job, projectID, project.JobNumber)
		}
	} else {
		project, err = st.FindProjectByJobNumber(ctx, job)
		if errors.Is(err, store.ErrNotFound) {
			return nil, metadataError(nil, "no active project for job %s", job)
		}
		if err != nil {
			return nil, eris.Wrap(err, "laborimport: find project")
		}
	}

	return &Metadata{JobNumber: job, Project: project, WeekEnding: week}, nil
}
