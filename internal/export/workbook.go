// Package export renders a location's derived tables as an xlsx workbook
// with one sheet per table and charts of the seasonal and long-term trends.
package export

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/xuri/excelize/v2"

	"bike-counts/internal/models"
)

const (
	SheetDaily   = "Daily"
	SheetWeekday = "Weekday"
	SheetMonthly = "Monthly"
	SheetYearly  = "Yearly"
	SheetRolling = "Rolling"

	dateLayout = "2006-01-02"
)

var weekdayNames = [7]string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

var monthNames = [12]string{"January", "February", "March", "April", "May", "June",
	"July", "August", "September", "October", "November", "December"}

// Workbook is an in-memory xlsx document
type Workbook struct {
	file *excelize.File
}

// Build lays out agg for loc. The caller must Close the workbook.
func Build(loc models.Location, agg *models.Aggregates) (*Workbook, error) {
	f := excelize.NewFile()
	wb := &Workbook{file: f}

	if err := f.SetSheetName(f.GetSheetName(0), SheetDaily); err != nil {
		f.Close()
		return nil, err
	}
	for _, name := range []string{SheetWeekday, SheetMonthly, SheetYearly, SheetRolling} {
		if _, err := f.NewSheet(name); err != nil {
			f.Close()
			return nil, err
		}
	}

	steps := []func() error{
		func() error { return wb.writeDaily(agg.Daily) },
		func() error { return wb.writeWeekday(loc, agg.Weekday) },
		func() error { return wb.writeMonthly(loc, agg.Month) },
		func() error { return wb.writeYearly(loc, agg.Month) },
		func() error { return wb.writeRolling(loc, agg.Rolling) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			f.Close()
			return nil, err
		}
	}

	f.SetActiveSheet(0)
	if err := f.SetDocProps(&excelize.DocProperties{
		Title:   loc.Name + " bicycle counts",
		Subject: loc.DatasetID,
	}); err != nil {
		f.Close()
		return nil, err
	}
	return wb, nil
}

// WriteTo writes the xlsx bytes to w
func (w *Workbook) WriteTo(out io.Writer) (int64, error) {
	return w.file.WriteTo(out)
}

// SaveAs writes the workbook to path
func (w *Workbook) SaveAs(path string) error {
	return w.file.SaveAs(path)
}

// Close releases the workbook's temporary resources
func (w *Workbook) Close() error {
	return w.file.Close()
}

func (w *Workbook) writeDaily(daily []models.DailyTotal) error {
	channels := channelNames(daily)

	header := []interface{}{"Date", "Year", "Day of year", "Weekday", "Total", "Repaired"}
	for _, ch := range channels {
		header = append(header, ch)
	}
	if err := w.file.SetSheetRow(SheetDaily, "A1", &header); err != nil {
		return err
	}

	for i, d := range daily {
		row := []interface{}{d.Date.Format(dateLayout), d.Year, d.DayOfYear, d.WeekdayName, d.Total, d.Repaired}
		for _, ch := range channels {
			row = append(row, d.Channels[ch])
		}
		if err := w.setRow(SheetDaily, i+2, row); err != nil {
			return err
		}
	}
	return w.file.SetColWidth(SheetDaily, "A", "A", 12)
}

// writeWeekday pivots mean daily totals into weekday rows and year columns
func (w *Workbook) writeWeekday(loc models.Location, rollups []models.WeekdayRollup) error {
	years := yearsOf(len(rollups), func(i int) int { return rollups[i].Year })
	cells := make(map[[2]int]float64, len(rollups))
	for _, r := range rollups {
		cells[[2]int{r.Weekday, r.Year}] = r.Mean
	}

	if err := w.writePivot(SheetWeekday, "Weekday", weekdayNames[:], yearLabels(years), func(row, col int) (interface{}, bool) {
		v, ok := cells[[2]int{row, years[col]}]
		return v, ok
	}); err != nil {
		return err
	}
	return w.addPivotChart(SheetWeekday, len(weekdayNames), len(years), excelize.Col,
		fmt.Sprintf("%s: mean daily riders by weekday", loc.Name))
}

// writeMonthly pivots monthly sums into month rows and year columns
func (w *Workbook) writeMonthly(loc models.Location, rollups []models.MonthRollup) error {
	years := yearsOf(len(rollups), func(i int) int { return rollups[i].Year })
	cells := make(map[[2]int]int64, len(rollups))
	for _, r := range rollups {
		cells[[2]int{r.Month - 1, r.Year}] = r.Sum
	}

	if err := w.writePivot(SheetMonthly, "Month", monthNames[:], yearLabels(years), func(row, col int) (interface{}, bool) {
		v, ok := cells[[2]int{row, years[col]}]
		return v, ok
	}); err != nil {
		return err
	}
	return w.addPivotChart(SheetMonthly, len(monthNames), len(years), excelize.Col,
		fmt.Sprintf("%s: riders per month", loc.Name))
}

// writeYearly pivots the same sums the other way round: year rows and month
// columns, so each year's bars are grouped together.
func (w *Workbook) writeYearly(loc models.Location, rollups []models.MonthRollup) error {
	years := yearsOf(len(rollups), func(i int) int { return rollups[i].Year })
	cells := make(map[[2]int]int64, len(rollups))
	for _, r := range rollups {
		cells[[2]int{r.Year, r.Month - 1}] = r.Sum
	}

	rows := make([]string, len(years))
	for i, y := range years {
		rows[i] = strconv.Itoa(y)
	}
	columns := make([]interface{}, len(monthNames))
	for i, name := range monthNames {
		columns[i] = name
	}

	if err := w.writePivot(SheetYearly, "Year", rows, columns, func(row, col int) (interface{}, bool) {
		v, ok := cells[[2]int{years[row], col}]
		return v, ok
	}); err != nil {
		return err
	}
	if len(years) == 0 {
		return nil
	}
	return w.addPivotChart(SheetYearly, len(years), len(monthNames), excelize.Col,
		fmt.Sprintf("%s: riders per year by month", loc.Name))
}

func (w *Workbook) writeRolling(loc models.Location, rolling []models.RollingYearly) error {
	header := []interface{}{"Date", "Year", "Day of year", "Trailing 365 days"}
	if err := w.file.SetSheetRow(SheetRolling, "A1", &header); err != nil {
		return err
	}

	// Rows without a full window are left out so the chart starts at the
	// first defined value.
	n := 0
	for _, r := range rolling {
		if r.Total == nil {
			continue
		}
		n++
		if err := w.setRow(SheetRolling, n+1, []interface{}{r.Date.Format(dateLayout), r.Year, r.DayOfYear, *r.Total}); err != nil {
			return err
		}
	}
	if err := w.file.SetColWidth(SheetRolling, "A", "A", 12); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	return w.file.AddChart(SheetRolling, "F2", &excelize.Chart{
		Type: excelize.Line,
		Series: []excelize.ChartSeries{{
			Name:       fmt.Sprintf("%s!$D$1", SheetRolling),
			Categories: fmt.Sprintf("%s!$A$2:$A$%d", SheetRolling, n+1),
			Values:     fmt.Sprintf("%s!$D$2:$D$%d", SheetRolling, n+1),
		}},
		Title:     []excelize.RichTextRun{{Text: fmt.Sprintf("%s: riders over the trailing year", loc.Name)}},
		Legend:    excelize.ChartLegend{Position: "none"},
		Dimension: excelize.ChartDimension{Width: 960, Height: 480},
	})
}

// writePivot writes a label column followed by one column per entry of
// columns; value is called with row and column indexes.
func (w *Workbook) writePivot(sheet, corner string, rows []string, columns []interface{}, value func(row, col int) (interface{}, bool)) error {
	header := append([]interface{}{corner}, columns...)
	if err := w.file.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}

	for i, label := range rows {
		row := []interface{}{label}
		for j := range columns {
			v, ok := value(i, j)
			if !ok {
				v = nil
			}
			row = append(row, v)
		}
		if err := w.setRow(sheet, i+2, row); err != nil {
			return err
		}
	}
	return w.file.SetColWidth(sheet, "A", "A", 12)
}

// addPivotChart draws one series per value column of a pivot sheet
func (w *Workbook) addPivotChart(sheet string, rows, columns int, chartType excelize.ChartType, title string) error {
	if columns == 0 {
		return nil
	}

	series := make([]excelize.ChartSeries, 0, columns)
	for i := 0; i < columns; i++ {
		col, err := excelize.ColumnNumberToName(i + 2)
		if err != nil {
			return err
		}
		series = append(series, excelize.ChartSeries{
			Name:       fmt.Sprintf("%s!$%s$1", sheet, col),
			Categories: fmt.Sprintf("%s!$A$2:$A$%d", sheet, rows+1),
			Values:     fmt.Sprintf("%s!$%s$2:$%s$%d", sheet, col, col, rows+1),
		})
	}

	anchor, err := excelize.CoordinatesToCellName(columns+3, 2)
	if err != nil {
		return err
	}
	return w.file.AddChart(sheet, anchor, &excelize.Chart{
		Type:      chartType,
		Series:    series,
		Title:     []excelize.RichTextRun{{Text: title}},
		Legend:    excelize.ChartLegend{Position: "right"},
		Dimension: excelize.ChartDimension{Width: 960, Height: 480},
	})
}

func (w *Workbook) setRow(sheet string, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return w.file.SetSheetRow(sheet, cell, &values)
}

func yearLabels(years []int) []interface{} {
	labels := make([]interface{}, len(years))
	for i, y := range years {
		labels[i] = y
	}
	return labels
}

func yearsOf(n int, year func(i int) int) []int {
	seen := make(map[int]struct{})
	var years []int
	for i := 0; i < n; i++ {
		y := year(i)
		if _, ok := seen[y]; ok {
			continue
		}
		seen[y] = struct{}{}
		years = append(years, y)
	}
	sort.Ints(years)
	return years
}

func channelNames(daily []models.DailyTotal) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, d := range daily {
		for ch := range d.Channels {
			if _, ok := seen[ch]; ok {
				continue
			}
			seen[ch] = struct{}{}
			names = append(names, ch)
		}
	}
	sort.Strings(names)
	return names
}
