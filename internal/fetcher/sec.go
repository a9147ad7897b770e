package fetcher

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// DefaultSECBaseURL serves the XBRL frames and company-facts APIs.
const DefaultSECBaseURL = "https://data.sec.gov"

// ParseCIK parses a Central Index Key such as "320193", "0000320193" or
// "CIK0000320193".
func ParseCIK(s string) (int, error) {
	t := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "CIK")
	n, err := strconv.Atoi(t)
	if err != nil || n <= 0 || n > 9_999_999_999 {
		return 0, eris.Errorf("fetcher: invalid CIK %q", s)
	}
	return n, nil
}

// CompanyFactsFile is the name SEC gives a company-facts file.
func CompanyFactsFile(cik int) string {
	return fmt.Sprintf("CIK%010d.json", cik)
}

// CompanyFactsURL returns the company-facts endpoint for cik.
func CompanyFactsURL(base string, cik int) string {
	if base == "" {
		base = DefaultSECBaseURL
	}
	return strings.TrimRight(base, "/") + "/api/xbrl/companyfacts/" + CompanyFactsFile(cik)
}

// FetchCompanyFacts downloads the company-facts JSON for cik.
func FetchCompanyFacts(ctx context.Context, f Fetcher, base string, cik int) (io.ReadCloser, error) {
	body, err := f.Download(ctx, CompanyFactsURL(base, cik))
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: company facts for CIK %d", cik)
	}
	return body, nil
}
