/*
 * Created:       Tue Aug  4 18:35:00 2026 wtools
 *
 */

// walbc is the CLI controller of spec §6: it dials one role's control
// address, sends a single CommandRequest and prints the result,
// exiting 0 on Ok and non-zero with the server's error string
// otherwise.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/herumi/walb-tools/control"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage:

%s -addr HOST:PORT CMD [ARGS...]

Commands (vary by daemon role):
  status VOLID
  init-vol VOLID [SIZE_LB]
  clear-vol VOLID
  reset-vol VOLID FROM_STATE
  start VOLID [slave|master]
  stop VOLID [force]
  full-bkp VOLID ARCHIVE_ADDR       (storaged)
  hash-bkp VOLID ARCHIVE_ADDR       (storaged)
  snapshot VOLID                    (storaged)
  wlog-send VOLID PROXY_ADDR        (storaged)
  wlog-remove VOLID                 (storaged)
  relay VOLID                       (proxyd)
  archive-info {list|get|add|update|delete} VOLID [NAME [ADDR]]  (archived)
  replicate VOLID {ARCHIVE_ADDR|NAME}  (archived)
  restore VOLID GID                 (archived)
  del-restored VOLID GID            (archived)
  apply VOLID GID                   (archived)
  merge VOLID GID_BEGIN GID_END [MAX_COUNT] [MAX_SIZE]  (archived)
  resize VOLID SIZE_LB              (archived)
  kick [VOLID]                      (archived: VOLID; proxyd: none)
  get TARGET [ARGS...]
  shutdown [force]

`, os.Args[0])
		flag.PrintDefaults()
	}
	addr := flag.String("addr", "", "role daemon control address, host:port")
	flag.Parse()

	if *addr == "" || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}

	req := control.CommandRequest{Cmd: flag.Arg(0), Args: flag.Args()[1:]}
	resp, err := control.Call(*addr, "walbc", req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "walbc: %v\n", err)
		os.Exit(1)
	}
	if !resp.Ok {
		fmt.Fprintln(os.Stderr, resp.Msg)
		os.Exit(1)
	}
	fmt.Println(resp.Msg)
}
