// cbor-dump prints CBOR items read from stdin.
// Default mode feeds stdin to resumable reader chunk by chunk and prints every event.
// With -diag, whole input is shown in RFC 8949 diagnostic notation.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"os"

	fxcbor "github.com/fxamacker/cbor/v2"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/temoto/attdev/cbor"
	"github.com/temoto/attdev/log2"
)

func main() {
	flagChunk := flag.Int("chunk", 4096, "read size, 1 exercises every suspend point")
	flagDiag := flag.Bool("diag", false, "print diagnostic notation")
	flagValues := flag.Bool("values", false, "print decoded values instead of events")
	flag.Parse()

	log := log2.NewStderr(log2.LDebug)
	log.SetFlags(0)
	if isatty.IsTerminal(os.Stdin.Fd()) {
		log.Info("reading CBOR from terminal, end with Ctrl+D")
	}

	var err error
	switch {
	case *flagDiag:
		err = diag(os.Stdin, os.Stdout)
	case *flagValues:
		err = values(os.Stdin, os.Stdout)
	default:
		out := log2.NewWriter(os.Stdout, log2.LDebug)
		out.SetFlags(0)
		err = stream(bufio.NewReader(os.Stdin), *flagChunk, cbor.DebugListener{Log: out})
	}
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}

func stream(r io.Reader, chunk int, l cbor.Listener) error {
	if chunk <= 0 {
		return errors.NotValidf("chunk=%d", chunk)
	}
	reader := cbor.NewReader(nil, l)
	buf := make([]byte, chunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := reader.Write(buf[:n]); werr != nil {
				return errors.Annotate(werr, "decode")
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Annotate(err, "read")
		}
	}
	if !reader.Idle() || reader.Input().Len() != 0 {
		return errors.Errorf("input truncated state=%s", reader.State())
	}
	return nil
}

func values(r io.Reader, w io.Writer) error {
	b, err := ioutil.ReadAll(r)
	if err != nil {
		return errors.Annotate(err, "read")
	}
	vs, err := cbor.DecodeAll(b)
	for _, v := range vs {
		fmt.Fprintf(w, "%#v\n", v)
	}
	return errors.Annotate(err, "decode")
}

func diag(r io.Reader, w io.Writer) error {
	b, err := ioutil.ReadAll(r)
	if err != nil {
		return errors.Annotate(err, "read")
	}
	for len(b) != 0 {
		var s string
		s, b, err = fxcbor.DiagnoseFirst(b)
		if err != nil {
			return errors.Annotate(err, "diagnose")
		}
		fmt.Fprintln(w, s)
	}
	return nil
}
