package internet

import "github.com/nanostack/netstack"

type PortStack struct {
	handlers []porthandler
	proto    lneto.IPProto
}

type porthandler struct {
	recv   func([]byte, int) error
	handle func([]byte, int) (int, error)
	port   uint16
}
