package zabbix

import (
	"fmt"

	"github.com/kidoz/esxi-patcher-go/internal/patcher"
)

// HostsLLD generates discovery data for every host in the report.
func HostsLLD(report *patcher.BatchReport) *LLDData {
	data := &LLDData{
		Data: make([]HostLLDEntry, 0, len(report.Hosts)),
	}
	for _, r := range report.Hosts {
		data.Data = append(data.Data, HostLLDEntry{
			Address: r.Target.Address,
			Name:    r.Target.DisplayName(),
		})
	}
	return data
}

// HostValue returns the value of a per-host item key for one result.
func HostValue(key string, r patcher.HostRunResult) (any, error) {
	switch key {
	case KeyHostState:
		return string(r.State), nil
	case KeyHostFailure:
		if r.Failure == nil {
			return "", nil
		}
		return string(r.Failure.Class), nil
	case KeyHostVersion:
		if r.FinalVersion != "" {
			return r.FinalVersion, nil
		}
		return r.FromVersion, nil
	case KeyHostApplied:
		return len(r.Applied), nil
	case KeyHostArtifact:
		if r.Failure == nil {
			return 0, nil
		}
		return r.Failure.ArtifactIndex, nil
	default:
		return nil, fmt.Errorf("unknown host key: %s", key)
	}
}

// StatValue returns one batch-level statistic.
func StatValue(metric string, report *patcher.BatchReport) (int, error) {
	succeeded, failed := report.Counts()
	switch metric {
	case "hosts":
		return len(report.Hosts), nil
	case "succeeded":
		return succeeded, nil
	case "failed":
		return failed, nil
	case "applied":
		n := 0
		for _, r := range report.Hosts {
			n += len(r.Applied)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unknown stats metric: %s", metric)
	}
}

var (
	hostKeys  = []string{KeyHostState, KeyHostFailure, KeyHostVersion, KeyHostApplied, KeyHostArtifact}
	statNames = []string{"hosts", "succeeded", "failed", "applied"}
)

// ItemData builds the trapper values for a report, all sent to reportHost.
func ItemData(reportHost string, report *patcher.BatchReport) []SenderData {
	data := make([]SenderData, 0, len(report.Hosts)*len(hostKeys)+len(statNames)+1)
	for _, r := range report.Hosts {
		for _, key := range hostKeys {
			v, _ := HostValue(key, r)
			data = append(data, SenderData{
				Host:  reportHost,
				Key:   fmt.Sprintf("%s[%s]", key, r.Target.Address),
				Value: fmt.Sprint(v),
			})
		}
	}
	for _, name := range statNames {
		v, _ := StatValue(name, report)
		data = append(data, SenderData{
			Host:  reportHost,
			Key:   fmt.Sprintf("%s[%s]", KeyStats, name),
			Value: fmt.Sprint(v),
		})
	}
	data = append(data, SenderData{
		Host:  reportHost,
		Key:   KeyLastRun,
		Value: fmt.Sprint(report.Finished.Unix()),
	})
	return data
}
