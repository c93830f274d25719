package esxi

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"github.com/kidoz/esxi-patcher-go/internal/hostclient"
	"github.com/kidoz/esxi-patcher-go/internal/patch"
)

const (
	versionCommand        = "vmware -v"
	maintenanceGetCommand = "esxcli system maintenanceMode get"
	datastoreListCommand  = "esxcli --formatter=csv storage filesystem list"
	// listVMsCommand prints "<vmid> <power state>" per registered VM.
	listVMsCommand = `for id in $(vim-cmd vmsvc/getallvms 2>/dev/null | awk 'NR>1 && $1 ~ /^[0-9]+$/ {print $1}'); do ` +
		`echo "$id $(vim-cmd vmsvc/power.getstate $id | tail -1)"; done`
	stagingSubdir = "esxi-patcher"
	rebootReason  = "esxi-patcher applied updates"
)

func maintenanceSetCommand(enable bool, timeoutSeconds int) string {
	cmd := fmt.Sprintf("esxcli system maintenanceMode set --enable %t", enable)
	if enable && timeoutSeconds > 0 {
		cmd += fmt.Sprintf(" --timeout %d", timeoutSeconds)
	}
	return cmd
}

func rebootCommand() string {
	return "esxcli system shutdown reboot --delay=10 --reason=" + hostclient.ShellQuote(rebootReason)
}

// installCommand builds the esxcli invocation for an artifact staged at
// path.
func installCommand(a patch.Artifact, path string, noSigCheck bool) (string, error) {
	var cmd string
	switch a.Kind {
	case patch.KindVIB:
		cmd = "esxcli software vib install -v " + hostclient.ShellQuote(path)
	case patch.KindProfile:
		if err := hostclient.ValidateProfileName(a.Profile); err != nil {
			return "", err
		}
		cmd = "esxcli software profile update -d " + hostclient.ShellQuote(path) + " -p " + hostclient.ShellQuote(a.Profile)
	case patch.KindDepot, "":
		cmd = "esxcli software vib update -d " + hostclient.ShellQuote(path)
	default:
		return "", fmt.Errorf("unsupported artifact kind %q", a.Kind)
	}
	if noSigCheck {
		cmd += " --no-sig-check"
	}
	return cmd, nil
}

func uploadCommand(path string) string {
	return "cat > " + hostclient.ShellQuote(path)
}

func checksumCommand(path string) string {
	return "sha256sum " + hostclient.ShellQuote(path)
}

func sizeCommand(path string) string {
	return "wc -c < " + hostclient.ShellQuote(path)
}

// parseMaintenanceMode reads `esxcli system maintenanceMode get`.
func parseMaintenanceMode(out string) (bool, error) {
	switch strings.TrimSpace(out) {
	case "Enabled":
		return true, nil
	case "Disabled":
		return false, nil
	default:
		return false, fmt.Errorf("unexpected maintenance mode state %q", strings.TrimSpace(out))
	}
}

// datastore is one row of the filesystem list.
type datastore struct {
	MountPoint string
	Name       string
	Type       string
	Mounted    bool
	Free       int64
}

// parseDatastores reads the CSV filesystem list and returns mounted VMFS
// volumes.
func parseDatastores(out string) ([]datastore, error) {
	r := csv.NewReader(strings.NewReader(out))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse filesystem list: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	col := make(map[string]int)
	for i, h := range rows[0] {
		col[strings.TrimSpace(h)] = i
	}
	get := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var stores []datastore
	for _, row := range rows[1:] {
		ds := datastore{
			MountPoint: get(row, "Mount Point"),
			Name:       get(row, "Volume Name"),
			Type:       get(row, "Type"),
			Mounted:    strings.EqualFold(get(row, "Mounted"), "true"),
		}
		ds.Free, _ = strconv.ParseInt(get(row, "Free"), 10, 64)
		if !ds.Mounted || !strings.HasPrefix(ds.Type, "VMFS") || !strings.HasPrefix(ds.MountPoint, "/vmfs/volumes/") {
			continue
		}
		stores = append(stores, ds)
	}
	return stores, nil
}

// pickDatastore returns the mounted VMFS volume with the most free space.
func pickDatastore(stores []datastore) (datastore, bool) {
	if len(stores) == 0 {
		return datastore{}, false
	}
	best := stores[0]
	for _, ds := range stores[1:] {
		if ds.Free > best.Free {
			best = ds
		}
	}
	return best, true
}

// vmState is one line of listVMsCommand output.
type vmState struct {
	ID        string
	PoweredOn bool
}

func parseVMStates(out string) []vmState {
	var vms []vmState
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		id, state, ok := strings.Cut(strings.TrimSpace(sc.Text()), " ")
		if !ok {
			continue
		}
		if _, err := strconv.Atoi(id); err != nil {
			continue
		}
		vms = append(vms, vmState{ID: id, PoweredOn: strings.EqualFold(strings.TrimSpace(state), "Powered on")})
	}
	return vms
}

func poweredOn(vms []vmState) []string {
	var ids []string
	for _, vm := range vms {
		if vm.PoweredOn {
			ids = append(ids, vm.ID)
		}
	}
	return ids
}

// parseChecksum reads the digest from sha256sum output.
func parseChecksum(out string) string {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}

// refusalMarkers are fragments of hostd errors meaning the host will not
// enter maintenance mode while guests are running.
var refusalMarkers = []string{
	"powered on",
	"running virtual machines",
	"cannot be evacuated",
	"insufficient resources",
}

func isRefusal(output string) bool {
	lower := strings.ToLower(output)
	for _, m := range refusalMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// installMessage extracts the "Message:" line esxcli prints after an
// install, for logging.
func installMessage(out string) string {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if msg, ok := strings.CutPrefix(line, "Message:"); ok {
			return strings.TrimSpace(msg)
		}
	}
	return ""
}
