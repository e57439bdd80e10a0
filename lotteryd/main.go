// lotteryd runs the lottery engine behind its HTTP gateway and offers the
// tooling to build signed requests for it.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dedis/ledgerlot/config"
	"github.com/dedis/ledgerlot/identity"
	"github.com/dedis/ledgerlot/lottery"
	"github.com/dedis/ledgerlot/store"
	"github.com/gin-gonic/gin"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3/util/encoding"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
	"gopkg.in/urfave/cli.v1"
)

var (
	configFlag = cli.StringFlag{
		Name:  "config, c",
		Value: "lotteryd.toml",
		Usage: "configuration file",
	}
	debugFlag = cli.IntFlag{
		Name:  "debug, d",
		Value: 0,
		Usage: "debug level from 0 to 5",
	}
	keyFlag = cli.StringFlag{
		Name:  "key, k",
		Usage: "hex private key of the signer",
	}
	nonceFlag = cli.Uint64Flag{
		Name:  "nonce, n",
		Usage: "request number, above the last one the gateway accepted from the signer",
	}
)

var commandRun = cli.Command{
	Name:   "run",
	Usage:  "serve the lottery gateway",
	Flags:  []cli.Flag{configFlag},
	Action: run,
}

var commandKeygen = cli.Command{
	Name:   "keygen",
	Usage:  "generate a key pair",
	Action: keygen,
}

var commandSign = cli.Command{
	Name:      "sign",
	Usage:     "sign an operation for the gateway",
	ArgsUsage: "<operation> [field...]",
	Description: `Fields are decimal numbers or 0x-prefixed hex strings, in the order
   the operation signs them, e.g. "sign -k <key> -n 3 ClaimPrize 1 0".
   The last request number is returned by GET /callers/<public>.`,
	Flags:  []cli.Flag{keyFlag, nonceFlag},
	Action: sign,
}

var commandStatus = cli.Command{
	Name:      "status",
	Usage:     "print a lottery from the database",
	ArgsUsage: "<lottery id>",
	Flags:     []cli.Flag{configFlag},
	Action:    status,
}

func main() {
	app := cli.NewApp()
	app.Name = "lotteryd"
	app.Usage = "verifiable ledger-backed lottery"
	app.Version = "0.1"
	app.Flags = []cli.Flag{debugFlag}
	app.Commands = []cli.Command{commandRun, commandKeygen, commandSign,
		commandStatus}
	app.Before = func(c *cli.Context) error {
		log.SetDebugVisible(c.GlobalInt(debugFlag.Name))
		return nil
	}
	log.ErrFatal(app.Run(os.Args))
}

func run(c *cli.Context) error {
	conf, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	gin.SetMode(gin.ReleaseMode)
	d, err := newDaemon(conf, systemTime{})
	if err != nil {
		return err
	}
	defer d.close()
	d.start()

	srv := &http.Server{Addr: conf.Listen, Handler: d.router}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	log.Info("lotteryd listening on", conf.Listen)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errc:
		return xerrors.Errorf("couldn't serve: %v", err)
	case <-sigc:
	}
	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func keygen(c *cli.Context) error {
	s := identity.NewSigner()
	priv, err := encoding.ScalarToStringHex(cothority.Suite, s.Private)
	if err != nil {
		return err
	}
	fmt.Println("private:", priv)
	fmt.Println("public: ", s.ID())
	return nil
}

func sign(c *cli.Context) error {
	if c.NArg() < 1 {
		return xerrors.New("missing operation")
	}
	s, err := identity.LoadSigner(c.String("key"))
	if err != nil {
		return err
	}
	fields, err := parseFields(c.Args().Tail())
	if err != nil {
		return err
	}
	nonce := c.Uint64("nonce")
	if nonce == 0 {
		return xerrors.New("request number must be above 0")
	}
	sig, err := s.SignRequest(c.Args().First(), nonce, fields...)
	if err != nil {
		return err
	}
	fmt.Println("public:   ", s.ID())
	fmt.Println("nonce:    ", nonce)
	fmt.Println("signature:", hex.EncodeToString(sig))
	return nil
}

// parseFields turns command line arguments into digest fields.
func parseFields(args []string) ([]interface{}, error) {
	fields := make([]interface{}, len(args))
	for i, a := range args {
		if strings.HasPrefix(a, "0x") {
			b, err := hex.DecodeString(a[2:])
			if err != nil {
				return nil, xerrors.Errorf("invalid hex field %q: %v", a, err)
			}
			fields[i] = b
			continue
		}
		v, err := strconv.ParseUint(a, 10, 64)
		if err != nil {
			return nil, xerrors.Errorf("invalid field %q: %v", a, err)
		}
		fields[i] = v
	}
	return fields, nil
}

func status(c *cli.Context) error {
	id, err := strconv.ParseUint(c.Args().First(), 10, 64)
	if err != nil {
		return xerrors.Errorf("invalid lottery id: %v", err)
	}
	conf, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	st, err := store.Open(conf.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	clock, err := statusClock(conf, st)
	if err != nil {
		return err
	}
	s, err := lottery.NewEngine(st, nil, nil, nil, clock).Status(id)
	if err != nil {
		return err
	}
	fmt.Print(formatStatus(s))
	return nil
}

func formatStatus(s *lottery.Status) string {
	var b strings.Builder
	l := s.Lottery
	fmt.Fprintf(&b, "lottery %d (config %d) at slot %d\n", l.ID, l.ConfigID, s.Now)
	fmt.Fprintf(&b, "  phase:   %s (stored %s)\n", s.Phase, l.Phase)
	fmt.Fprintf(&b, "  sale:    [%d, %d) at %d\n", s.Config.SaleStart,
		s.Config.SaleEnd, s.Config.TicketPrice)
	fmt.Fprintf(&b, "  tickets: %d, pot %d, vault %d\n", l.TicketsSold, l.TotalPot, s.Vault)
	if l.Committed {
		fmt.Fprintf(&b, "  commit:  round %d of beacon %x at slot %d\n",
			l.Reference.Round, l.Reference.Beacon, l.CommitSlot)
	}
	if l.WinnerChosen {
		fmt.Fprintf(&b, "  winner:  ticket %d\n", l.WinningIndex)
	}
	return b.String()
}

// statusClock counts slots from the configured epoch, or from the one the
// daemon stored on its first start.
func statusClock(conf *config.Config, st *store.Store) (lottery.Clock, error) {
	epoch := conf.Epoch
	if epoch.IsZero() {
		buf, err := st.Meta(metaEpoch)
		if err != nil {
			return nil, err
		}
		if buf == nil {
			// The daemon never ran on this database.
			return fixedSlot(0), nil
		}
		if err := epoch.UnmarshalBinary(buf); err != nil {
			return nil, xerrors.Errorf("couldn't decode epoch: %v", err)
		}
	}
	return lottery.WallClock{Epoch: epoch, SlotDuration: conf.SlotDuration.Duration}, nil
}

type fixedSlot lottery.Slot

func (f fixedSlot) Now() lottery.Slot {
	return lottery.Slot(f)
}
