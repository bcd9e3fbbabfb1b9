package ports

import "context"

// Sheet is one table of a tabular file. CSV files have a single sheet.
type Sheet struct {
	Name    string     `json:"name"`
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
	// TotalRows counts data rows in the source even when Rows is truncated.
	TotalRows int `json:"total_rows"`
}

// TabularData is the extracted content of a CSV or Excel file.
type TabularData struct {
	Path   string  `json:"path"`
	Format string  `json:"format"`
	Sheets []Sheet `json:"sheets"`
}

// TabularLoader extracts tables from CSV or XLSX files, keeping at most
// maxRows data rows per sheet (0 keeps all).
type TabularLoader interface {
	Load(ctx context.Context, path string, maxRows int) (*TabularData, error)
}

// Renderer converts a markdown document into HTML.
type Renderer interface {
	RenderHTML(markdown []byte) []byte
}
