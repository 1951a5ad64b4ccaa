// Command leech downloads a single torrent's content to a local directory
// and exits once every piece has been verified and written.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/kelwon/goleech/client"
	"github.com/kelwon/goleech/internal/logging"
	"github.com/kelwon/goleech/metainfo"
)

func main() {
	outDir := flag.String("out", ".", "directory to write downloaded files into")
	port := flag.Uint("port", 6881, "local port advertised to the tracker")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	logging.SetVerbose(*verbose)

	var input io.Reader
	if args := flag.Args(); len(args) > 0 {
		f, err := os.Open(args[0])
		if err != nil {
			log.Fatalf("leech: opening torrent file: %v", err)
		}
		defer f.Close()
		input = f
	} else {
		stat, err := os.Stdin.Stat()
		if err != nil || (stat.Mode()&os.ModeCharDevice) != 0 {
			log.Fatal("leech: provide a .torrent path or pipe one in on stdin")
		}
		input = os.Stdin
	}

	m, err := metainfo.Decode(input)
	if err != nil {
		log.Fatalf("leech: decoding torrent: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := client.Download(ctx, m, *outDir, uint16(*port)); err != nil && ctx.Err() == nil {
		log.Fatalf("leech: download failed: %v", err)
	}
}
