package aprs

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var ErrInvalidLocator = errors.New("aprs: invalid grid locator")

const maxLocatorPairs = 11

// LocatorToDegrees decodes a Maidenhead locator of any even length into
// the centre of its smallest cell.
func LocatorToDegrees(locator string) (lat, lon float64, err error) {
	grid := strings.ToUpper(strings.TrimSpace(locator))
	if len(grid) < 2 || len(grid)%2 != 0 || len(grid)/2 > maxLocatorPairs {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidLocator, locator)
	}
	lat, lon = -90, -90
	var scale float64
	for i := 0; i < len(grid)/2; i++ {
		x, y, ok := pairValues(grid[2*i], grid[2*i+1], i)
		if !ok {
			return 0, 0, fmt.Errorf("%w: %q", ErrInvalidLocator, locator)
		}
		z := i - 1
		scale = math.Pow(10, float64(floorDiv(-(z-1), 2))) * math.Pow(24, float64(floorDiv(-z, 2)))
		lon += scale * float64(x)
		lat += scale * float64(y)
	}
	lat += scale / 2
	lon += scale / 2
	return lat, lon * 2, nil
}

// pairValues decodes pair i. Even pairs are letters, odd pairs digits; the
// first pair is limited to the 18 fields A-R.
func pairValues(a, b byte, i int) (int, int, bool) {
	if i%2 == 1 {
		if !isDigit(a) || !isDigit(b) {
			return 0, 0, false
		}
		return int(a - '0'), int(b - '0'), true
	}
	last := byte('X')
	if i == 0 {
		last = 'R'
	}
	if a < 'A' || a > last || b < 'A' || b > last {
		return 0, 0, false
	}
	return int(a - 'A'), int(b - 'A'), true
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func floorDiv(n, d int) int {
	q := n / d
	if (n%d != 0) && ((n < 0) != (d < 0)) {
		q--
	}
	return q
}

// LocatorToAPRS renders locator as APRS "DDMM.mmN" and "DDDMM.mmW" strings.
func LocatorToAPRS(locator string) (lat, lon string, err error) {
	latDeg, lonDeg, err := LocatorToDegrees(locator)
	if err != nil {
		return "", "", err
	}
	latDir := "N"
	if latDeg < 0 {
		latDeg = -latDeg
		latDir = "S"
	}
	lonDir := "E"
	if lonDeg < 0 {
		lonDeg = -lonDeg
		lonDir = "W"
	}
	return fmt.Sprintf("%07.2f%s", aprsFixed(latDeg), latDir),
		fmt.Sprintf("%08.2f%s", aprsFixed(lonDeg), lonDir), nil
}

// aprsFixed turns unsigned decimal degrees into DDMM.mm with seconds
// rounded and carried.
func aprsFixed(deg float64) float64 {
	whole, frac := math.Modf(deg)
	minutes, fracMin := math.Modf(frac * 60)
	seconds := math.Round(fracMin * 60)
	if seconds == 60 {
		minutes++
		seconds = 0
	}
	if minutes == 60 {
		whole++
		minutes = 0
	}
	return whole*100 + minutes + seconds/60
}
