package validator

import (
	"encoding/json"
	"fmt"
	"os"
)

// archive stores the challenge, evidence and report of a completed run and
// records their CIDs on the report. Failures are reported as a soft check.
func (r *run) archive() {
	a := r.v.opts.Archive
	if a == nil {
		return
	}
	report, err := json.Marshal(r.report)
	if err != nil {
		r.archiveFailed(err)
		return
	}
	objects := []struct {
		key  string
		path string
		data []byte
	}{
		{key: "challenge", path: r.in.ChallengePath},
		{key: "evidence", path: r.in.EvidencePath},
		{key: "report", data: report},
	}
	cids := make(map[string]string, len(objects))
	for _, o := range objects {
		data := o.data
		if data == nil {
			if data, err = os.ReadFile(o.path); err != nil {
				r.archiveFailed(err)
				return
			}
		}
		id, err := a.Put(data)
		if err != nil {
			r.archiveFailed(fmt.Errorf("%s: %w", o.key, err))
			return
		}
		cids[o.key] = id.String()
	}
	r.report.ArchivedCIDs = cids
	r.report.add(Check{Name: "archive", Passed: true, Message: "submission archived as report " + cids["report"]})
	r.logger.WithField("report_cid", cids["report"]).Debug("submission archived")
}

func (r *run) archiveFailed(err error) {
	r.logger.WithError(err).Warn("archive failed")
	r.report.add(Check{Name: "archive", Message: "archive failed: " + err.Error()})
}
