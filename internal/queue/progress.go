package queue

import (
	"io"
	"math"
)

// progressReader reports the share of the payload consumed by the transport,
// scaled to ceiling (100 for direct uploads, 90 for chunked ones).
type progressReader struct {
	r       io.Reader
	total   int64
	read    int64
	ceiling int
	report  func(int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.total > 0 {
		p.read += int64(n)
		pct := int(math.Round(float64(p.read) / float64(p.total) * float64(p.ceiling)))
		if pct > p.ceiling {
			pct = p.ceiling
		}
		p.report(pct)
	}
	return n, err
}
