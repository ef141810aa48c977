package command

import (
	"bufio"
	"fmt"
	"io/ioutil"
	gonet "net"
	"os"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/spf13/cobra"

	"github.com/mill6-plat6aux/metamere/src/ledger"
	"github.com/mill6-plat6aux/metamere/src/net"
)

// NewSubmitCmd returns a small client that submits a transaction to a
// running node. The transaction JSON comes from a file argument or stdin;
// a missing transactionId is generated.
func NewSubmitCmd() *cobra.Command {
	var connect string
	var temporary bool
	var commit string

	cmd := &cobra.Command{
		Use:   "submit [transaction.json]",
		Short: "Submit a transaction to a node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if commit != "" {
				return send(connect, net.NewCommand("commitTransaction", commit))
			}

			var raw []byte
			var err error
			if len(args) > 0 {
				raw, err = ioutil.ReadFile(args[0])
			} else {
				raw, err = ioutil.ReadAll(os.Stdin)
			}
			if err != nil {
				return err
			}

			var transaction ledger.Transaction
			if err := transaction.Unmarshal(raw); err != nil {
				return fmt.Errorf("parsing transaction: %v", err)
			}

			if transaction.ID() == "" {
				transaction[ledger.TransactionIDKey] = uuid.NewV4().String()
			}

			command := "addTransaction"
			if temporary {
				command = "addTemporaryTransaction"
			}

			if err := send(connect, net.NewCommand(command, transaction)); err != nil {
				return err
			}

			fmt.Println(transaction.ID())
			return nil
		},
	}

	cmd.Flags().StringVarP(&connect, "connect", "c", "127.0.0.1:1337", "IP:Port of the node to submit to")
	cmd.Flags().BoolVar(&temporary, "temporary", false, "Submit in temporary mode")
	cmd.Flags().StringVar(&commit, "commit", "", "Commit the temporary transaction with this transactionId")

	return cmd
}

// send dials the node and writes a single envelope frame.
func send(addr string, msg net.Message) error {
	conn, err := gonet.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	raw, err := msg.Encode()
	if err != nil {
		return err
	}

	w := bufio.NewWriter(conn)
	if _, err := w.Write(append(raw, '\n')); err != nil {
		return err
	}
	return w.Flush()
}
