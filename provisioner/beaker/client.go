// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package beaker

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/retry"
)

// submittedExpr extracts the job id job-submit prints on success.
var submittedExpr = regexp.MustCompile(`Submitted: \['(J:[0-9]+)'(?:,)?\]`)

// errJobPending keeps the results poll going; anything else stops it.
var errJobPending = errors.New("beaker job still pending")

// runBkr is the production Runner; it shells out to the bkr client
// with stderr folded into the returned output.
func runBkr(ctx context.Context, stdin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "bkr", args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", errors.Annotatef(err, "bkr %s: %s", args[0], firstLine(out))
	}
	return string(out), nil
}

func firstLine(out []byte) string {
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return line
}

// submit sends the job XML on stdin and returns the assigned job id.
func (p *Provisioner) submit(ctx context.Context, jobXML string) (string, error) {
	logger.Debugf("submitting beaker job XML:\n%s", jobXML)
	out, err := p.config.Run(ctx, jobXML, "job-submit")
	if err != nil {
		return "", errors.Annotate(err, "submitting beaker job")
	}
	match := submittedExpr.FindStringSubmatch(out)
	if match == nil {
		return "", errors.Errorf("expecting one job id from job-submit, got: %s", strings.TrimSpace(out))
	}
	jobID := match[1]
	logger.Infof("submitted beaker job %s", p.jobRef(jobID))
	return jobID, nil
}

// waitJob polls job-results until the job settles. It returns the
// recipes on success, and nil after cancelling the job when beaker
// gave up on it.
func (p *Provisioner) waitJob(ctx context.Context, jobID string) ([]recipe, error) {
	var recipes []recipe
	var failed bool
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			out, err := p.config.Run(ctx, "", "job-results", jobID)
			if err != nil {
				return errors.Annotatef(err, "reading results of beaker job %s", jobID)
			}
			rs, err := parseRecipes(out)
			if err != nil {
				return errors.Trace(err)
			}
			if len(rs) == 0 {
				return errors.Errorf("no recipes in results of beaker job %s: %s", jobID, strings.TrimSpace(out))
			}
			for _, r := range rs {
				system := r.System
				if system == "" {
					system = "queuing"
				}
				logger.Infof("job %s recipe %s: system=%s status=%s result=%s",
					p.jobRef(jobID), r.ID, system, r.Status, r.Result)
			}
			switch jobState(rs) {
			case jobFailed:
				failed = true
			case jobReady:
				recipes = rs
			default:
				return errJobPending
			}
			return nil
		},
		IsFatalError: func(err error) bool { return !errors.Is(err, errJobPending) },
		Attempts:     retry.UnlimitedAttempts, // poll until the job settles or the context ends
		Delay:        p.config.PollInterval,
		Clock:        p.config.Clock,
		Stop:         ctx.Done(),
	})
	if err != nil {
		if retry.IsRetryStopped(err) {
			return nil, errors.Trace(ctx.Err())
		}
		return nil, errors.Trace(err)
	}
	if failed {
		logger.Infof("beaker job %s failed", p.jobRef(jobID))
		if err := p.cancel(ctx, jobID); err != nil {
			logger.Errorf("cannot cancel beaker job %s: %v", jobID, err)
		}
		return nil, nil
	}
	logger.Infof("beaker job %s finished successfully", p.jobRef(jobID))
	return recipes, nil
}

func (p *Provisioner) cancel(ctx context.Context, jobID string) error {
	_, err := p.config.Run(ctx, "", "job-cancel", jobID)
	return errors.Trace(err)
}

// jobRef renders a job for logs, as a link when the hub is known.
func (p *Provisioner) jobRef(jobID string) string {
	if p.config.HubURL == "" {
		return jobID
	}
	return fmt.Sprintf("%s/jobs/%s",
		strings.TrimRight(p.config.HubURL, "/"), strings.TrimPrefix(jobID, "J:"))
}

// recipe is the per-machine slice of a job's results document.
type recipe struct {
	ID        string
	System    string
	Status    string
	Result    string
	Arch      string
	Distro    string
	Family    string
	Variant   string
	StartTime string
}

type jobStatus int

const (
	jobPending jobStatus = iota
	jobReady
	jobFailed
)

// Recipe results that mean the install broke, and statuses after which
// no machine will ever be handed over.
var (
	failedResults    = set.NewStrings("Warn", "Fail", "Panic")
	terminalStatuses = set.NewStrings("Aborted", "Cancelled", "Completed")
)

// jobState classifies a poll: the job is ready only once every recipe
// holds a reserved, passing machine.
func jobState(recipes []recipe) jobStatus {
	ready := true
	for _, r := range recipes {
		if failedResults.Contains(r.Result) || terminalStatuses.Contains(r.Status) {
			return jobFailed
		}
		if r.Status != "Running" || r.Result != "Pass" {
			ready = false
		}
	}
	if ready {
		return jobReady
	}
	return jobPending
}

// parseRecipes collects every recipe element, at any depth, from a
// job-results document.
func parseRecipes(doc string) ([]recipe, error) {
	dec := xml.NewDecoder(strings.NewReader(doc))
	var recipes []recipe
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Annotate(err, "parsing job results")
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "recipe" {
			continue
		}
		r := recipe{}
		for _, attr := range start.Attr {
			switch attr.Name.Local {
			case "id":
				r.ID = attr.Value
			case "system":
				r.System = attr.Value
			case "status":
				r.Status = attr.Value
			case "result":
				r.Result = attr.Value
			case "arch":
				r.Arch = attr.Value
			case "distro":
				r.Distro = attr.Value
			case "family":
				r.Family = attr.Value
			case "variant":
				r.Variant = attr.Value
			case "start_time":
				r.StartTime = attr.Value
			}
		}
		recipes = append(recipes, r)
	}
	return recipes, nil
}

// inventoryNS is the rdf namespace beaker uses for system inventory.
const inventoryNS = "https://fedorahosted.org/beaker/rdfschema/inventory#"

type fieldKind int

const (
	stringField fieldKind = iota
	intField
	floatField
	listField
)

// systemFields maps inventory tags onto machine attributes.
var systemFields = map[string]struct {
	name string
	kind fieldKind
}{
	"cpuSpeed":       {"cpu-speed", floatField},
	"cpuVendor":      {"cpu-vendor", stringField},
	"cpuFamilyId":    {"cpu-family", intField},
	"cpuModelId":     {"cpu-model", intField},
	"cpuCount":       {"cpu-core_number", intField},
	"cpuSocketCount": {"cpu-socket_number", intField},
	"cpuFlag":        {"cpu-flag", listField},
	"cpuStepping":    {"cpu-stepping", listField},
	"cpuModelName":   {"cpu-model_name", stringField},
	"numaNodes":      {"numa-node_number", intField},
	"model":          {"system-model", stringField},
	"vendor":         {"system-vendor", stringField},
	"memory":         {"memory-total_size", intField},
	"macAddress":     {"net-mac_address", stringField},
}

// systemDetails asks beaker about a named system and returns its
// inventory as machine attribute fields.
func (p *Provisioner) systemDetails(ctx context.Context, system string) (bson.D, error) {
	out, err := p.config.Run(ctx, "", "system-details", system)
	if err != nil {
		return nil, errors.Annotatef(err, "reading system details of %s", system)
	}
	fields, err := parseSystemDetails(out)
	if err != nil {
		return nil, errors.Annotatef(err, "parsing system details of %s", system)
	}
	return fields, nil
}

// parseSystemDetails extracts the interesting inventory values from a
// system-details rdf document.
func parseSystemDetails(doc string) (bson.D, error) {
	dec := xml.NewDecoder(strings.NewReader(doc))
	values := map[string][]string{}
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Annotate(err, "parsing system details")
		}
		switch el := tok.(type) {
		case xml.StartElement:
			if el.Name.Space != inventoryNS {
				continue
			}
			if el.Name.Local == "System" {
				depth++
				continue
			}
			if depth == 0 {
				continue
			}
			if _, interesting := systemFields[el.Name.Local]; !interesting {
				continue
			}
			var text string
			if err := dec.DecodeElement(&text, &el); err != nil {
				return nil, errors.Annotatef(err, "reading %s", el.Name.Local)
			}
			values[el.Name.Local] = append(values[el.Name.Local], strings.TrimSpace(text))
		case xml.EndElement:
			if el.Name.Space == inventoryNS && el.Name.Local == "System" {
				depth--
			}
		}
	}
	return systemAttrs(values)
}

func systemAttrs(values map[string][]string) (bson.D, error) {
	tags := make([]string, 0, len(systemFields))
	for tag := range systemFields {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	var fields bson.D
	for _, tag := range tags {
		vals := values[tag]
		if len(vals) == 0 {
			continue
		}
		spec := systemFields[tag]
		if spec.kind != listField && len(vals) > 1 {
			logger.Errorf("expecting one %s element, got %d", tag, len(vals))
		}
		switch spec.kind {
		case listField:
			fields = append(fields, bson.DocElem{Name: spec.name, Value: vals})
		case stringField:
			fields = append(fields, bson.DocElem{Name: spec.name, Value: vals[0]})
		case intField:
			n, err := strconv.ParseInt(vals[0], 10, 64)
			if err != nil {
				return nil, errors.Annotatef(err, "parsing %s %q", tag, vals[0])
			}
			fields = append(fields, bson.DocElem{Name: spec.name, Value: n})
		case floatField:
			f, err := strconv.ParseFloat(vals[0], 64)
			if err != nil {
				return nil, errors.Annotatef(err, "parsing %s %q", tag, vals[0])
			}
			fields = append(fields, bson.DocElem{Name: spec.name, Value: f})
		}
	}
	return fields, nil
}
