// Command fdkill frames and writes one delete/cancel command onto the
// coordinator's control pipe (spec.md §4.1 tag/payload table),
// standing in for the GUI "kill transfer" dialog spec.md §1 places
// out of scope.
package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/distfd/fdcore/internal/dispatcher"
)

var fifoPath string

func main() {
	root := &cobra.Command{
		Use:   "fdkill",
		Short: "Send one delete/cancel command to the fd coordinator",
	}
	root.PersistentFlags().StringVar(&fifoPath, "fifo", "/var/afd/fifodir/DELETE_FIFO", "path to the coordinator's delete-command fifo")

	root.AddCommand(
		sendCmd("delete-all-from-host", dispatcher.TagDeleteAllJobsFromHost, "<host_alias>"),
		sendCmd("delete-message", dispatcher.TagDeleteMessage, "<msg_name>"),
		sendCmd("delete-single-file", dispatcher.TagDeleteSingleFile, "<msg_name>/<file_name>"),
		sendCmd("delete-retrieve", dispatcher.TagDeleteRetrieve, "<msg_number> <fra_pos>"),
		sendCmd("delete-retrieves-from-dir", dispatcher.TagDeleteRetrievesFromDir, "<dir_alias>"),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func sendCmd(use string, tag byte, argHint string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " " + argHint,
		Short: "Send a " + use + " command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := args[0]
			for _, a := range args[1:] {
				payload += " " + a
			}
			return send(tag, payload)
		},
	}
}

// send frames tag+payload as "<tag byte><payload><NUL>", the wire
// format pipereader.Reader parses on the coordinator side, and writes
// it to the fifo in one call so the write is atomic up to PIPE_BUF.
func send(tag byte, payload string) error {
	f, err := os.OpenFile(fifoPath, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "fdkill: open %s", fifoPath)
	}
	defer f.Close()

	buf := make([]byte, 0, len(payload)+2)
	buf = append(buf, tag)
	buf = append(buf, payload...)
	buf = append(buf, 0)

	if _, err := f.Write(buf); err != nil {
		return errors.Wrap(err, "fdkill: write")
	}
	return nil
}
