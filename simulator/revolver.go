package simulator

import (
	"net"
	"strings"
)

// Revolver simulates an objective revolver. It answers the status handshake
// and acknowledges moves to positions A through E.
type Revolver struct {
	*device
	position string
}

func NewRevolver() (*Revolver, net.Conn) {
	d, conn := newDevice("revolver")
	r := &Revolver{device: d, position: "A"}
	d.handle = r.handle
	return r, conn
}

// Position returns the position letter last moved to.
func (r *Revolver) Position() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.position
}

func (r *Revolver) handle(line string) error {
	switch {
	case line == "RRDSTU":
		return r.send("\r\n", "ROK000001")
	case strings.HasPrefix(line, "RWRMV"):
		code := strings.TrimPrefix(line, "RWRMV")
		if len(code) != 1 || code < "A" || code > "E" {
			return r.send("\r\n", "RER,MV")
		}
		r.position = code
		return r.send("\r\n", "ROK")
	}
	return r.send("\r\n", "RER,CMD")
}
