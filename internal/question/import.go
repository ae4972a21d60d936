package question

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
	"gopkg.in/yaml.v3"
)

const (
	ModeAppend    = "append"
	ModeOverwrite = "overwrite"
)

// Row rejection codes reported in ImportReport.Errors.
const (
	RowIncomplete       = "incomplete"
	RowTooFewOptions    = "too_few_options"
	RowTooManyOptions   = "too_many_options"
	RowMissingAnswer    = "missing_answer"
	RowAnswerOutOfRange = "answer_out_of_range"
)

var ErrUnsupportedFormat = errors.New("unsupported import format")

type ImportOptions struct {
	Mode      string
	HasHeader bool
}

type RowError struct {
	Row    int    `json:"row"`
	Code   string `json:"code"`
	Answer string `json:"answer,omitempty"`
}

type ImportReport struct {
	TotalRows int        `json:"totalRows"`
	Imported  int        `json:"count"`
	Total     int        `json:"total"`
	Errors    []RowError `json:"errors,omitempty"`
}

// ImportFile parses an uploaded question bank and imports the valid rows.
// The format is chosen by file extension: .xlsx/.xlsm or .yaml/.yml.
func (s *Service) ImportFile(ctx context.Context, filename string, r io.Reader, opts ImportOptions) (*ImportReport, error) {
	var (
		inputs    []Input
		rowErrors []RowError
		totalRows int
		err       error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx", ".xlsm":
		rows, err := readSheetRows(r)
		if err != nil {
			return nil, err
		}
		return s.ImportRows(ctx, rows, opts)
	case ".yaml", ".yml":
		inputs, rowErrors, totalRows, err = parseYAML(r)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrUnsupportedFormat
	}

	report, err := s.importInputs(ctx, inputs, opts.Mode)
	if err != nil {
		return nil, err
	}
	report.TotalRows = totalRows
	report.Errors = rowErrors
	return report, nil
}

// ImportRows imports already-parsed spreadsheet rows.
func (s *Service) ImportRows(ctx context.Context, rows [][]string, opts ImportOptions) (*ImportReport, error) {
	inputs, rowErrors, totalRows := ParseRows(rows, opts.HasHeader)
	report, err := s.importInputs(ctx, inputs, opts.Mode)
	if err != nil {
		return nil, err
	}
	report.TotalRows = totalRows
	report.Errors = rowErrors
	return report, nil
}

func (s *Service) importInputs(ctx context.Context, inputs []Input, mode string) (*ImportReport, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = ModeAppend
	}
	if mode != ModeAppend && mode != ModeOverwrite {
		return nil, fmt.Errorf("%w: mode must be append or overwrite", ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if mode == ModeOverwrite {
		if _, err := tx.ExecContext(ctx, `DELETE FROM questions`); err != nil {
			return nil, fmt.Errorf("clear questions: %w", err)
		}
	}

	now := s.now()
	for _, in := range inputs {
		if _, err := insertQuestion(ctx, tx, in, now); err != nil {
			return nil, err
		}
	}

	var total int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`).Scan(&total); err != nil {
		return nil, fmt.Errorf("count questions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &ImportReport{Imported: len(inputs), Total: total}, nil
}

// ParseRows maps spreadsheet rows to question inputs. Column 0 holds the
// prompt, columns 1-4 the options and column 5 the answer letters. Row
// numbers in errors are 1-based sheet rows. Fully blank rows are skipped.
func ParseRows(rows [][]string, hasHeader bool) ([]Input, []RowError, int) {
	var (
		inputs    []Input
		rowErrors []RowError
		totalRows int
	)
	for i, row := range rows {
		if hasHeader && i == 0 {
			continue
		}
		if isBlankRow(row) {
			continue
		}
		totalRows++

		raw := Input{
			Question:      cell(row, 0),
			CorrectAnswer: cell(row, 5),
		}
		for j := 1; j <= MaxOptions; j++ {
			raw.Options = append(raw.Options, cell(row, j))
		}

		in, code := normalizeInput(raw)
		if code != "" {
			rowErrors = append(rowErrors, rowError(i+1, code, in))
			continue
		}
		inputs = append(inputs, in)
	}
	return inputs, rowErrors, totalRows
}

type yamlBank struct {
	Questions []Input `yaml:"questions"`
}

// parseYAML accepts either a top-level list of questions or a mapping with a
// "questions" list. Row numbers are 1-based item positions.
func parseYAML(r io.Reader) ([]Input, []RowError, int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("read yaml: %w", err)
	}

	var items []Input
	if err := yaml.Unmarshal(data, &items); err != nil {
		var bank yamlBank
		if err2 := yaml.Unmarshal(data, &bank); err2 != nil {
			return nil, nil, 0, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		items = bank.Questions
	}

	var (
		inputs    []Input
		rowErrors []RowError
	)
	for i, item := range items {
		in, code := normalizeInput(item)
		if code != "" {
			rowErrors = append(rowErrors, rowError(i+1, code, in))
			continue
		}
		inputs = append(inputs, in)
	}
	return inputs, rowErrors, len(items), nil
}

func readSheetRows(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: open workbook: %v", ErrInvalidInput, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrInvalidInput)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	return rows, nil
}

func rowError(row int, code string, in Input) RowError {
	out := RowError{Row: row, Code: code}
	if code == RowAnswerOutOfRange {
		out.Answer = in.CorrectAnswer
	}
	return out
}

func cell(row []string, idx int) string {
	if idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func isBlankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
