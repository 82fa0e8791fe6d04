package callstream_test

import (
	"context"
	"fmt"

	"github.com/meshwire/callstream"
	"github.com/meshwire/callstream/internal/pipe"
)

type printListener struct {
	done chan struct{}
}

func (l printListener) OnContext(name string, value []byte) {
	fmt.Printf("context %s=%s\n", name, value)
}

func (l printListener) OnPayload(payload []byte) {
	fmt.Printf("payload: %s\n", payload)
}

func (l printListener) OnClose(st callstream.Status) {
	fmt.Printf("closed: %s\n", st)
	close(l.done)
}

func ExampleClientCall() {
	caller, peer := pipe.New(context.Background())

	call := callstream.NewCall(caller, callstream.RawCodec(), callstream.RawCodec())
	done := make(chan struct{})
	_ = call.Start(printListener{done: done})
	_ = call.SendPayload([]byte("ping"), nil)
	_ = call.HalfClose()

	// act as the remote peer: echo each payload, then complete the call
	// once the caller half-closes
	for {
		f, err := peer.Recv()
		if err != nil {
			return
		}
		switch fr := f.(type) {
		case callstream.MessageFrame:
			_ = peer.Send(callstream.MessageFrame{Size: fr.Size, Data: fr.Data, First: true})
		case callstream.HalfCloseFrame:
			_ = peer.Send(callstream.CloseFrame{Status: callstream.New(callstream.OK, "")})
			<-done
			return
		}
	}

	// Output:
	// payload: ping
	// closed: OK
}
