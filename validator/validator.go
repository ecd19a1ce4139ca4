// Package validator runs the staged submission pipeline: challenge
// integrity and expiry, evidence and artifact hashes, then token and
// structural checks over the submitted captures.
//
// Every stage appends named checks to a Report. Challenge failures stop the
// run; artifact and capture failures are recorded and the remaining
// independent checks still execute.
package validator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/ipfs/go-cid"

	"github.com/antonioclim/netENwsl-sub003/challenge"
	"github.com/antonioclim/netENwsl-sub003/cidutil"
	"github.com/antonioclim/netENwsl-sub003/codec"
	"github.com/antonioclim/netENwsl-sub003/evidence"
	"github.com/antonioclim/netENwsl-sub003/fault"
	"github.com/antonioclim/netENwsl-sub003/profile"
)

// Archiver stores validated submission records by content.
type Archiver interface {
	Put(b []byte) (cid.Cid, error)
}

// Options configures a Validator. The zero value validates against the
// built-in profiles in strict signature mode.
type Options struct {
	Profiles *profile.Registry
	Policy   codec.SignaturePolicy
	// Grace overrides the profile expiry grace when positive.
	Grace   time.Duration
	Now     func() time.Time
	Logger  log.Interface
	Archive Archiver
}

type Validator struct {
	opts Options
}

func New(opts Options) *Validator {
	if opts.Profiles == nil {
		opts.Profiles = profile.Builtin()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Log
	}
	return &Validator{opts: opts}
}

// Input names the files of one submission.
type Input struct {
	ChallengePath string
	EvidencePath  string
	BaseDir       string
}

// run carries the state shared between stages of one Validate call.
type run struct {
	v      *Validator
	in     Input
	report *Report
	logger log.Interface

	ch      *challenge.Challenge
	prof    profile.Profile
	ev      *evidence.Evidence
	reports []string
	capts   []string
}

// Validate runs the pipeline. The returned error is non-nil only for setup
// problems (bad configuration, cancellation); the report is returned in
// every case where one could be started.
func (v *Validator) Validate(ctx context.Context, in Input) (*Report, error) {
	r := &run{
		v:      v,
		in:     in,
		report: &Report{GeneratedAt: v.opts.Now().UTC().Truncate(time.Second)},
		logger: v.opts.Logger,
	}
	stages := []func(context.Context) (Outcome, error){
		r.loadChallenge,
		r.checkExpiry,
		r.loadEvidence,
		r.checkArtifacts,
		r.checkReportToken,
		r.checkCaptures,
	}
	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			r.report.finish(OutcomeSetupError)
			return r.report, err
		}
		outcome, err := stage(ctx)
		if err != nil || outcome != "" {
			r.report.finish(outcome)
			r.logger.WithField("outcome", r.report.Outcome).Warn("validation stopped")
			return r.report, err
		}
	}
	r.report.finish("")
	r.archive()
	r.logger.WithField("student", r.report.StudentID).
		WithField("week", r.report.Week).
		WithField("outcome", r.report.Outcome).
		WithField("failed", len(r.report.Failed())).
		Info("validation finished")
	return r.report, nil
}

func (r *run) setupError(name string, err error) (Outcome, error) {
	r.report.fail(name, err.Error(), fault.RuleOf(err))
	return OutcomeSetupError, err
}

func (r *run) loadChallenge(context.Context) (Outcome, error) {
	ch, err := challenge.Load(r.in.ChallengePath)
	if err != nil {
		if fault.IsKind(err, fault.KindConfiguration) {
			return r.setupError("challenge.load", err)
		}
		r.report.fail("challenge.load", err.Error(), fault.RuleOf(err))
		return OutcomeChallengeRejected, nil
	}
	r.ch = ch
	r.report.ChallengeID, r.report.StudentID, r.report.Week = ch.ChallengeID, ch.StudentID, ch.Week
	r.logger = r.logger.WithField("student", ch.StudentID).WithField("week", ch.Week)
	r.report.pass("challenge.load", fmt.Sprintf("week %d challenge for %s", ch.Week, ch.StudentID))

	if err := ch.VerifyIntegrity(); err != nil {
		r.report.fail("challenge.integrity", err.Error(), fault.RuleOf(err))
		return OutcomeChallengeRejected, nil
	}
	r.report.pass("challenge.integrity", "sha256 matches canonical payload")

	note, err := ch.VerifySignature(r.v.opts.Policy)
	if err != nil {
		if fault.IsKind(err, fault.KindConfiguration) {
			return r.setupError("challenge.signature", err)
		}
		r.report.fail("challenge.signature", err.Error(), fault.RuleOf(err))
		return OutcomeChallengeRejected, nil
	}
	r.report.pass("challenge.signature", note)

	prof, err := r.v.opts.Profiles.Lookup(ch.Week)
	if err != nil {
		return r.setupError("challenge.profile", err)
	}
	r.prof = prof
	return "", nil
}

func (r *run) checkExpiry(context.Context) (Outcome, error) {
	grace := r.prof.EffectiveGrace()
	if r.v.opts.Grace > 0 {
		grace = r.v.opts.Grace
	}
	if err := r.ch.CheckExpiry(r.v.opts.Now(), grace); err != nil {
		r.report.fail("challenge.expiry", err.Error(), fault.RuleOf(err))
		return OutcomeChallengeRejected, nil
	}
	r.report.pass("challenge.expiry", "valid until "+r.ch.ExpiresAt(grace).UTC().Format(time.RFC3339))
	return "", nil
}

func (r *run) loadEvidence(context.Context) (Outcome, error) {
	ev, err := evidence.Load(r.in.EvidencePath)
	if err != nil {
		r.report.fail("evidence.load", err.Error(), fault.RuleOf(err))
		if fault.IsKind(err, fault.KindEvidenceMissing) {
			return OutcomeEvidenceMissing, nil
		}
		return OutcomeChecksFailed, nil
	}
	r.ev = ev
	r.report.pass("evidence.load", fmt.Sprintf("%d artifact(s) listed", len(ev.Artifacts)))

	var problems []string
	m := ev.Meta
	if m.StudentID != r.ch.StudentID {
		problems = append(problems, fmt.Sprintf("student_id %q does not match challenge %q", m.StudentID, r.ch.StudentID))
	}
	if m.Week != r.ch.Week {
		problems = append(problems, fmt.Sprintf("week %d does not match challenge week %d", m.Week, r.ch.Week))
	}
	if r.ch.ChallengeID != "" && m.ChallengeID != r.ch.ChallengeID {
		problems = append(problems, fmt.Sprintf("challenge_id %q does not match %q", m.ChallengeID, r.ch.ChallengeID))
	}
	if m.ChallengeCID != "" {
		payload, err := r.ch.CanonicalPayload()
		if err != nil {
			return r.setupError("evidence.meta", err)
		}
		if !cidutil.Matches(m.ChallengeCID, payload) {
			problems = append(problems, "challenge_cid does not address this challenge")
		}
	}
	if len(problems) > 0 {
		r.report.fail("evidence.meta", strings.Join(problems, "; "), "LAB-EVID-006")
	} else {
		r.report.pass("evidence.meta", "evidence is bound to this challenge")
	}

	env := ev.Environment
	r.report.add(Check{
		Name:    "environment.fingerprint",
		Passed:  len(env.FingerprintHash) == 64,
		Message: fmt.Sprintf("%d descriptor(s) fingerprinted", len(env.Descriptors)),
	})
	return "", nil
}

func (r *run) checkArtifacts(ctx context.Context) (Outcome, error) {
	var unclassified, excluded, documents int
	for _, a := range r.ev.Artifacts {
		if err := ctx.Err(); err != nil {
			return OutcomeSetupError, err
		}
		name := "artifact:" + a.Path
		if err := evidence.Verify(r.in.BaseDir, a); err != nil {
			r.report.fail(name, err.Error(), fault.RuleOf(err))
			excluded++
			continue
		}
		r.report.pass(name, fmt.Sprintf("sha256 ok (%d bytes)", a.SizeBytes))
		switch {
		case r.prof.IsCapture(a.Path):
			r.capts = append(r.capts, a.Path)
		case r.prof.IsReport(a.Path):
			if r.labDocument(a.Path) {
				r.logger.WithField("path", a.Path).Debug("challenge or evidence document ignored as report")
				documents++
				continue
			}
			r.reports = append(r.reports, a.Path)
		default:
			unclassified++
		}
	}
	r.report.add(Check{
		Name:   "artifacts.classify",
		Passed: len(r.reports)+len(r.capts) > 0,
		Message: fmt.Sprintf("%d report(s), %d capture(s), %d unclassified, %d lab document(s) ignored, %d excluded after failed verification",
			len(r.reports), len(r.capts), unclassified, documents, excluded),
	})
	return "", nil
}

func (r *run) checkReportToken(context.Context) (Outcome, error) {
	token := r.ch.Tokens.ReportToken
	if token == "" {
		return "", nil
	}
	for _, rel := range r.reports {
		abs, _, err := evidence.Resolve(r.in.BaseDir, rel)
		if err != nil {
			continue
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			continue
		}
		if bytes.Contains(data, []byte(token)) {
			r.report.pass("token.report", "report token found in "+rel)
			return "", nil
		}
	}
	msg := fmt.Sprintf("report token %q not found in %d verified report artifact(s)", token, len(r.reports))
	if len(r.reports) == 0 {
		msg = fmt.Sprintf("report token %q: no verified report artifact to search", token)
	}
	r.report.fail("token.report", msg, "LAB-TOKEN-001")
	return "", nil
}
