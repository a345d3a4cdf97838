package wifi

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// parseWireless finds iface row in /proc/net/wireless format:
//
//	Inter-| sta-|   Quality        |   Discarded packets               | Missed | WE
//	 face | tus | link level noise |  nwid  crypt   frag  retry   misc | beacon | 22
//	 wlan0: 0000   54.  -56.  -256        0      0      0      0      0        0
func parseWireless(r io.Reader, iface string) (int, error) {
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		name, rest, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) != iface {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 3 {
			return 0, errors.NotValidf("wireless row=%q", line)
		}
		level, err := strconv.ParseFloat(strings.TrimSuffix(fields[2], "."), 64)
		if err != nil {
			return 0, errors.NotValidf("wireless level=%q", fields[2])
		}
		// some drivers report dBm as unsigned byte
		if level > 0 {
			level -= 256
		}
		return int(level), nil
	}
	if err := s.Err(); err != nil {
		return 0, errors.Annotate(err, "wireless read")
	}
	return 0, errors.NotFoundf("wireless iface=%s", iface)
}
