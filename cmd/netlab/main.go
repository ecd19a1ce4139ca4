// Command netlab issues lab challenges, collects submission evidence and
// validates submissions against their challenge.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"

	"github.com/antonioclim/netENwsl-sub003/archive"
	"github.com/antonioclim/netENwsl-sub003/capture"
	"github.com/antonioclim/netENwsl-sub003/challenge"
	"github.com/antonioclim/netENwsl-sub003/codec"
	"github.com/antonioclim/netENwsl-sub003/compliance"
	"github.com/antonioclim/netENwsl-sub003/config"
	"github.com/antonioclim/netENwsl-sub003/evidence"
	"github.com/antonioclim/netENwsl-sub003/fault"
	"github.com/antonioclim/netENwsl-sub003/packet"
	"github.com/antonioclim/netENwsl-sub003/profile"
	"github.com/antonioclim/netENwsl-sub003/validator"
)

const (
	exitOK       = 0
	exitSetup    = 1
	exitUsage    = 2
	exitRejected = 4
	exitFailed   = 5
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printUsage(errOut)
		return exitUsage
	}

	switch args[0] {
	case "challenge":
		return cmdChallenge(args[1:], out, errOut)
	case "evidence":
		return cmdEvidence(args[1:], out, errOut)
	case "validate":
		return cmdValidate(args[1:], out, errOut)
	case "capture":
		return cmdCapture(args[1:], out, errOut)
	case "help", "-h", "--help":
		printUsage(out)
		return exitOK
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n\n", args[0])
		printUsage(errOut)
		return exitUsage
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "netlab: challenge, evidence and submission validation for the networking labs")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  netlab challenge issue --student <id> --week <n> [--course <c>] [--ttl <dur>] [--sign] [--secret-env <NAME>] [--profiles <file>] [--out <path>]")
	fmt.Fprintln(w, "  netlab challenge verify --challenge <path> [--allow-unsigned|--require-signature] [--secret-env <NAME>] [--grace <dur>]")
	fmt.Fprintln(w, "  netlab challenge cid --challenge <path>")
	fmt.Fprintln(w, "  netlab evidence collect --challenge <path> --base-dir <dir> --artifact <p> [--artifact ...] [--probes] [--probe-timeout <dur>] [--out <path>]")
	fmt.Fprintln(w, "  netlab validate --challenge <path> --evidence <path> --base-dir <dir> [--allow-unsigned|--require-signature] [--secret-env <NAME>] [--grace <dur>] [--profiles <file>] [--json] [--archive <dir>]")
	fmt.Fprintln(w, "  netlab capture inspect <file> [--token <t>] [--transport tcp|udp] [--port <n>]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Common flags: --config <netlab.yaml>, --verbose")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Exit codes (validate):")
	fmt.Fprintln(w, "  0 pass, 1 setup error, 2 usage, 3 evidence missing, 4 challenge rejected, 5 checks failed")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "The HMAC secret is read from $%s unless --secret-env names another variable.\n", config.DefaultSecretEnv)
}

// common holds the flags every subcommand accepts.
type common struct {
	configPath string
	verbose    bool
}

func newFlagSet(name string, errOut io.Writer) (*flag.FlagSet, *common) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(errOut)
	c := &common{}
	fs.StringVar(&c.configPath, "config", "", "Settings file (YAML)")
	fs.BoolVar(&c.verbose, "verbose", false, "Log debug output to stderr")
	return fs, c
}

func (c *common) logger(errOut io.Writer) log.Interface {
	l := &log.Logger{Handler: cli.New(errOut), Level: log.InfoLevel}
	if c.verbose {
		l.Level = log.DebugLevel
	}
	return l
}

// settings loads the settings file and applies non-empty flag overrides.
func (c *common) settings(secretEnv string, grace time.Duration, profilesFile string) (config.Settings, error) {
	s, err := config.LoadFile(c.configPath)
	if err != nil {
		return s, err
	}
	if secretEnv != "" {
		s.SecretEnv = secretEnv
	}
	if grace > 0 {
		s.Grace = grace
	}
	if profilesFile != "" {
		s.ProfilesFile = profilesFile
	}
	return s, nil
}

func registry(s config.Settings) (*profile.Registry, error) {
	if s.ProfilesFile == "" {
		return profile.Builtin(), nil
	}
	return profile.LoadFile(profile.Builtin(), s.ProfilesFile)
}

func signaturePolicy(s config.Settings, allowUnsigned, requireSignature bool) (codec.SignaturePolicy, error) {
	mode, err := s.Mode()
	if err != nil {
		return codec.SignaturePolicy{}, err
	}
	if allowUnsigned {
		mode = compliance.Practice
	}
	return codec.SignaturePolicy{
		Key:     s.Secret(os.Getenv),
		Mode:    mode,
		Require: s.RequireSignature || requireSignature,
	}, nil
}

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func cmdChallenge(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "usage: netlab challenge <subcommand> ...")
		fmt.Fprintln(errOut, "subcommands: issue, verify, cid")
		return exitUsage
	}
	switch args[0] {
	case "issue":
		return cmdChallengeIssue(args[1:], out, errOut)
	case "verify":
		return cmdChallengeVerify(args[1:], out, errOut)
	case "cid":
		fs, _ := newFlagSet("challenge cid", errOut)
		var path string
		fs.StringVar(&path, "challenge", "", "Challenge file")
		if err := fs.Parse(args[1:]); err != nil {
			return exitUsage
		}
		if path == "" {
			fmt.Fprintln(errOut, "usage: netlab challenge cid --challenge <path>")
			return exitUsage
		}
		ch, err := challenge.Load(path)
		if err != nil {
			fmt.Fprintf(errOut, "load challenge: %v\n", err)
			return exitSetup
		}
		id, err := ch.CID()
		if err != nil {
			fmt.Fprintf(errOut, "challenge cid: %v\n", err)
			return exitSetup
		}
		_, _ = fmt.Fprintln(out, id)
		return exitOK
	default:
		fmt.Fprintf(errOut, "unknown challenge subcommand: %s\n", args[0])
		return exitUsage
	}
}

func cmdChallengeIssue(args []string, out io.Writer, errOut io.Writer) int {
	fs, c := newFlagSet("challenge issue", errOut)
	var (
		student, course, secretEnv, profilesFile, outPath string
		week                                              int
		ttl                                               time.Duration
		sign                                              bool
	)
	fs.StringVar(&student, "student", "", "Student id (sanitized to [A-Za-z0-9._-], max 64)")
	fs.IntVar(&week, "week", 0, "Laboratory week")
	fs.StringVar(&course, "course", "", "Course id (default from settings)")
	fs.DurationVar(&ttl, "ttl", 0, "Validity window (default from the week profile)")
	fs.BoolVar(&sign, "sign", false, "Require an HMAC signature")
	fs.StringVar(&secretEnv, "secret-env", "", "Environment variable holding the HMAC secret")
	fs.StringVar(&profilesFile, "profiles", "", "Week profiles override file (YAML)")
	fs.StringVar(&outPath, "out", "", "Output path (.json, .yaml); default stdout")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if student == "" || week <= 0 {
		fmt.Fprintln(errOut, "usage: netlab challenge issue --student <id> --week <n> [...]")
		return exitUsage
	}
	logger := c.logger(errOut)

	s, err := c.settings(secretEnv, 0, profilesFile)
	if err != nil {
		fmt.Fprintf(errOut, "settings: %v\n", err)
		return exitSetup
	}
	reg, err := registry(s)
	if err != nil {
		fmt.Fprintf(errOut, "profiles: %v\n", err)
		return exitSetup
	}
	prof, err := reg.Lookup(week)
	if err != nil {
		fmt.Fprintf(errOut, "profiles: %v\n", err)
		return exitSetup
	}
	if course == "" {
		course = s.CourseID
	}
	key := s.Secret(os.Getenv)
	if sign && key == nil {
		fmt.Fprintf(errOut, "issue: --sign requires $%s to be set\n", s.SecretEnv)
		return exitSetup
	}
	ch, err := challenge.Issue(challenge.IssueRequest{
		StudentID: student,
		CourseID:  course,
		Profile:   prof,
		TTL:       ttl,
		Key:       key,
		Sign:      sign,
	})
	if err != nil {
		fmt.Fprintf(errOut, "issue: %v\n", err)
		return exitSetup
	}
	logger.WithField("student", ch.StudentID).WithField("week", ch.Week).
		WithField("signed", ch.Integrity.Signature != "").Info("challenge issued")

	if outPath == "" {
		b, err := json.MarshalIndent(ch, "", "  ")
		if err != nil {
			fmt.Fprintf(errOut, "encode: %v\n", err)
			return exitSetup
		}
		_, _ = fmt.Fprintln(out, string(b))
		return exitOK
	}
	if err := ch.Save(outPath); err != nil {
		fmt.Fprintf(errOut, "save: %v\n", err)
		return exitSetup
	}
	id, _ := ch.CID()
	_, _ = fmt.Fprintf(out, "%s\t%s\n", outPath, id)
	return exitOK
}

func cmdChallengeVerify(args []string, out io.Writer, errOut io.Writer) int {
	fs, c := newFlagSet("challenge verify", errOut)
	var (
		path, secretEnv                 string
		allowUnsigned, requireSignature bool
		grace                           time.Duration
	)
	fs.StringVar(&path, "challenge", "", "Challenge file")
	fs.BoolVar(&allowUnsigned, "allow-unsigned", false, "Accept unsigned challenges when no key is configured (practice mode)")
	fs.BoolVar(&requireSignature, "require-signature", false, "Fail if no signing key is configured")
	fs.StringVar(&secretEnv, "secret-env", "", "Environment variable holding the HMAC secret")
	fs.DurationVar(&grace, "grace", 0, "Expiry grace period (default from the week profile)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if path == "" || (allowUnsigned && requireSignature) {
		fmt.Fprintln(errOut, "usage: netlab challenge verify --challenge <path> [--allow-unsigned|--require-signature] [...]")
		return exitUsage
	}
	s, err := c.settings(secretEnv, grace, "")
	if err != nil {
		fmt.Fprintf(errOut, "settings: %v\n", err)
		return exitSetup
	}
	policy, err := signaturePolicy(s, allowUnsigned, requireSignature)
	if err != nil {
		fmt.Fprintf(errOut, "settings: %v\n", err)
		return exitSetup
	}
	ch, err := challenge.Load(path)
	if err != nil {
		fmt.Fprintf(errOut, "load challenge: %v\n", err)
		if fault.IsKind(err, fault.KindSchema) {
			return exitRejected
		}
		return exitSetup
	}
	note, err := ch.Verify(policy)
	if err != nil {
		fmt.Fprintf(errOut, "verify: %v\n", err)
		if fault.IsKind(err, fault.KindConfiguration) {
			return exitSetup
		}
		return exitRejected
	}
	if s.Grace <= 0 {
		if reg, err := registry(s); err == nil {
			if prof, err := reg.Lookup(ch.Week); err == nil {
				s.Grace = prof.EffectiveGrace()
			}
		}
	}
	if err := ch.CheckExpiry(time.Now(), s.Grace); err != nil {
		fmt.Fprintf(errOut, "verify: %v\n", err)
		return exitRejected
	}
	_, _ = fmt.Fprintf(out, "OK: %s; valid until %s\n", note, ch.ExpiresAt(s.Grace).UTC().Format(time.RFC3339))
	return exitOK
}

func cmdEvidence(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 || args[0] != "collect" {
		fmt.Fprintln(errOut, "usage: netlab evidence collect --challenge <path> --base-dir <dir> --artifact <p> [...]")
		return exitUsage
	}
	fs, c := newFlagSet("evidence collect", errOut)
	var (
		chPath, baseDir, outPath string
		artifacts                stringList
		probes                   bool
		probeTimeout             time.Duration
	)
	fs.StringVar(&chPath, "challenge", "", "Challenge file")
	fs.StringVar(&baseDir, "base-dir", ".", "Submission base directory")
	fs.Var(&artifacts, "artifact", "Artifact file or directory, relative to --base-dir (repeatable)")
	fs.BoolVar(&probes, "probes", false, "Run the allow-listed environment probes")
	fs.DurationVar(&probeTimeout, "probe-timeout", 0, "Per-probe timeout")
	fs.StringVar(&outPath, "out", "evidence.json", "Output path")
	if err := fs.Parse(args[1:]); err != nil {
		return exitUsage
	}
	if chPath == "" || len(artifacts) == 0 {
		fmt.Fprintln(errOut, "usage: netlab evidence collect --challenge <path> --base-dir <dir> --artifact <p> [...]")
		return exitUsage
	}
	s, err := c.settings("", 0, "")
	if err != nil {
		fmt.Fprintf(errOut, "settings: %v\n", err)
		return exitSetup
	}
	if probeTimeout <= 0 {
		probeTimeout = s.ProbeTimeout
	}
	ch, err := challenge.Load(chPath)
	if err != nil {
		fmt.Fprintf(errOut, "load challenge: %v\n", err)
		return exitSetup
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	col := &evidence.Collector{Logger: c.logger(errOut), RunProbes: probes, ProbeTimeout: probeTimeout}
	ev, err := col.Collect(ctx, ch, baseDir, artifacts)
	if err != nil {
		fmt.Fprintf(errOut, "collect: %v\n", err)
		return exitSetup
	}
	if err := ev.Write(outPath); err != nil {
		fmt.Fprintf(errOut, "write: %v\n", err)
		return exitSetup
	}
	_, _ = fmt.Fprintf(out, "%s\t%d artifact(s)\n", outPath, len(ev.Artifacts))
	return exitOK
}

func cmdValidate(args []string, out io.Writer, errOut io.Writer) int {
	fs, c := newFlagSet("validate", errOut)
	var (
		chPath, evPath, baseDir, secretEnv, profilesFile, archiveDir string
		allowUnsigned, requireSignature, asJSON                      bool
		grace                                                        time.Duration
	)
	fs.StringVar(&chPath, "challenge", "", "Challenge file")
	fs.StringVar(&evPath, "evidence", "", "Evidence file")
	fs.StringVar(&baseDir, "base-dir", "", "Submission base directory")
	fs.BoolVar(&allowUnsigned, "allow-unsigned", false, "Accept unsigned challenges when no key is configured (practice mode)")
	fs.BoolVar(&requireSignature, "require-signature", false, "Fail if no signing key is configured")
	fs.StringVar(&secretEnv, "secret-env", "", "Environment variable holding the HMAC secret")
	fs.DurationVar(&grace, "grace", 0, "Expiry grace period (default from the week profile)")
	fs.StringVar(&profilesFile, "profiles", "", "Week profiles override file (YAML)")
	fs.StringVar(&archiveDir, "archive", "", "Archive directory for completed validations")
	fs.BoolVar(&asJSON, "json", false, "Print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if chPath == "" || evPath == "" || baseDir == "" || (allowUnsigned && requireSignature) {
		fmt.Fprintln(errOut, "usage: netlab validate --challenge <path> --evidence <path> --base-dir <dir> [...]")
		return exitUsage
	}
	logger := c.logger(errOut)

	s, err := c.settings(secretEnv, grace, profilesFile)
	if err != nil {
		fmt.Fprintf(errOut, "settings: %v\n", err)
		return exitSetup
	}
	if archiveDir != "" {
		s.ArchiveDir = archiveDir
	}
	reg, err := registry(s)
	if err != nil {
		fmt.Fprintf(errOut, "profiles: %v\n", err)
		return exitSetup
	}
	policy, err := signaturePolicy(s, allowUnsigned, requireSignature)
	if err != nil {
		fmt.Fprintf(errOut, "settings: %v\n", err)
		return exitSetup
	}
	opts := validator.Options{Profiles: reg, Policy: policy, Grace: s.Grace, Logger: logger}
	if s.ArchiveDir != "" {
		store, err := archive.New(s.ArchiveDir)
		if err != nil {
			fmt.Fprintf(errOut, "archive: %v\n", err)
			return exitSetup
		}
		opts.Archive = store
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rep, err := validator.New(opts).Validate(ctx, validator.Input{
		ChallengePath: chPath,
		EvidencePath:  evPath,
		BaseDir:       baseDir,
	})
	if err != nil {
		fmt.Fprintf(errOut, "validate: %v\n", err)
	}
	if rep == nil {
		_, _ = fmt.Fprintln(out, "FAIL (setup_error)")
		return exitSetup
	}
	if asJSON {
		b, jerr := json.MarshalIndent(rep, "", "  ")
		if jerr != nil {
			fmt.Fprintf(errOut, "encode report: %v\n", jerr)
			return exitSetup
		}
		_, _ = fmt.Fprintln(out, string(b))
	} else if werr := rep.WriteText(out); werr != nil {
		fmt.Fprintf(errOut, "write report: %v\n", werr)
		return exitSetup
	}
	return rep.Outcome.ExitCode()
}

func cmdCapture(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 || args[0] != "inspect" {
		fmt.Fprintln(errOut, "usage: netlab capture inspect <file> [--token <t>] [--transport tcp|udp] [--port <n>]")
		return exitUsage
	}
	fs, c := newFlagSet("capture inspect", errOut)
	var (
		token, transport string
		port             uint
	)
	fs.StringVar(&token, "token", "", "Token to search for")
	fs.StringVar(&transport, "transport", "", "Restrict the token search to tcp or udp")
	fs.UintVar(&port, "port", 0, "Restrict the token search to a port")
	rest := args[1:]
	if err := fs.Parse(rest); err != nil {
		return exitUsage
	}
	// allow flags after the file name
	var files []string
	for fs.NArg() > 0 {
		files = append(files, fs.Arg(0))
		if err := fs.Parse(fs.Args()[1:]); err != nil {
			return exitUsage
		}
	}
	if len(files) != 1 || port > 65535 {
		fmt.Fprintln(errOut, "usage: netlab capture inspect <file> [--token <t>] [--transport tcp|udp] [--port <n>]")
		return exitUsage
	}
	filter := packet.Filter{Port: uint16(port)}
	if transport != "" {
		tr, err := packet.ParseTransport(transport)
		if err != nil {
			fmt.Fprintf(errOut, "invalid --transport: %v\n", err)
			return exitUsage
		}
		filter.Transport = tr
	}
	logger := c.logger(errOut)

	rd, err := capture.Open(files[0])
	if err != nil {
		fmt.Fprintf(errOut, "open: %v\n", err)
		return exitSetup
	}
	defer rd.Close()

	hs := packet.NewHandshakeTracker()
	var hits []string
	ports := map[string]int{}
	st, err := packet.Walk(rd, func(i int, fr capture.Frame, rec packet.Record) {
		hs.Observe(rec)
		if rec.Transport != packet.Other {
			ports[fmt.Sprintf("%s/%d", rec.Transport, rec.DstPort)]++
		}
		if token != "" && packet.ContainsToken(rec, []byte(token), filter) {
			hits = append(hits, fmt.Sprintf("frame #%d %s %s", i+1, fr.Timestamp.UTC().Format(time.RFC3339Nano), rec))
		}
		logger.WithField("frame", i+1).WithField("link", fr.LinkType).Debug(rec.String())
	})
	_, _ = fmt.Fprintf(out, "file: %s (%s)\n", files[0], rd.Format())
	_, _ = fmt.Fprintf(out, "frames: %d, decoded: %d, skipped: %d\n", st.Frames, st.Decoded, st.Skipped)
	if err != nil {
		_, _ = fmt.Fprintf(out, "error: %v\n", err)
	}
	if port != 0 {
		_, _ = fmt.Fprintf(out, "handshake on port %d: %s\n", port, hs.Best(uint16(port)))
	} else {
		_, _ = fmt.Fprintf(out, "handshake: %s\n", hs.Best(0))
	}
	for _, k := range sortedKeys(ports) {
		_, _ = fmt.Fprintf(out, "  %-10s %d segment(s)\n", k, ports[k])
	}
	if token != "" {
		if len(hits) == 0 {
			_, _ = fmt.Fprintf(out, "token %q: not found on %s\n", token, filter)
		}
		for _, h := range hits {
			_, _ = fmt.Fprintf(out, "token %q: %s\n", token, h)
		}
	}
	if err != nil {
		return exitSetup
	}
	if token != "" && len(hits) == 0 {
		return exitFailed
	}
	return exitOK
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
