//go:build linux
// +build linux

package linux

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

func readReportUint64(s string) (uint64, error) {
	// lvm --report-format=json --unit=B puts unit 'B' at end of all sizes.
	s = strings.TrimSuffix(s, "B")
	if s == "" {
		return 0, nil
	}

	num, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to convert string %s to uint64: %s", s, err)
	}

	return num, nil
}

// readReportUints converts the named report fields of m into the targets.
func readReportUints(m map[string]string, fields map[string]*uint64) error {
	for name, dest := range fields {
		v, err := readReportUint64(m[name])
		if err != nil {
			return fmt.Errorf("%s: %s", name, err)
		}

		*dest = v
	}

	return nil
}

type lvmPVData struct {
	Path          string
	Size          uint64
	VGName        string
	VGUUID        string
	UUID          string
	Free          uint64
	MetadataSize  uint64
	PEStart       uint64
	VGSize        uint64
	VGFree        uint64
	VGExtentSize  uint64
	VGExtentCount uint64
	VGFreeCount   uint64
	VGPVCount     int
	raw           map[string]string
}

func (d *lvmPVData) UnmarshalJSON(b []byte) error {
	var m map[string]string
	err := json.Unmarshal(b, &m)

	if err != nil {
		return err
	}

	d.raw = m
	d.Path = m["pv_name"]
	d.VGName = m["vg_name"]
	d.VGUUID = m["vg_uuid"]
	d.UUID = m["pv_uuid"]

	if m["pv_count"] != "" {
		if d.VGPVCount, err = strconv.Atoi(m["pv_count"]); err != nil {
			return fmt.Errorf("pv_count: %s", err)
		}
	}

	return readReportUints(m, map[string]*uint64{
		"pv_size":         &d.Size,
		"pv_mda_size":     &d.MetadataSize,
		"pv_free":         &d.Free,
		"pe_start":        &d.PEStart,
		"vg_size":         &d.VGSize,
		"vg_free":         &d.VGFree,
		"vg_extent_size":  &d.VGExtentSize,
		"vg_extent_count": &d.VGExtentCount,
		"vg_free_count":   &d.VGFreeCount,
	})
}

func parsePvReport(report []byte) ([]lvmPVData, error) {
	var d map[string]([]map[string]([]lvmPVData))
	err := json.Unmarshal(report, &d)

	if err != nil {
		return []lvmPVData{}, err
	}

	if len(d["report"]) == 0 {
		return []lvmPVData{}, nil
	}

	return d["report"][0]["pv"], nil
}

// lvmConfigArgs returns the --config argument that applies filter, if any.
func lvmConfigArgs(config string) []string {
	if config == "" {
		return []string{}
	}

	return []string{"--config=" + config}
}

func getPvReport(config string, args ...string) ([]lvmPVData, error) {
	cmd := []string{"lvm", "pvs", "--options=pv_all,vg_name,vg_uuid,vg_size,vg_free," +
		"vg_extent_size,vg_extent_count,vg_free_count,pv_count",
		"--report-format=json", "--unit=B"}
	cmd = append(cmd, lvmConfigArgs(config)...)
	cmd = append(cmd, args...)
	out, stderr, rc := runCommandWithOutputErrorRc(cmd...)

	if rc != 0 {
		return []lvmPVData{},
			fmt.Errorf("failed lvm pvs [%d]: %s\n%s", rc, out, stderr)
	}

	return parsePvReport(out)
}

type lvmLVData struct {
	Name    string
	VGName  string
	Path    string
	Size    uint64
	UUID    string
	Active  bool
	Pool    string
	Attr    string
	SegType string
	Origin  string
	raw     map[string]string
}

func (d *lvmLVData) UnmarshalJSON(b []byte) error {
	var m map[string]string

	err := json.Unmarshal(b, &m)
	if err != nil {
		return err
	}

	d.raw = m
	d.Path = m["lv_path"]
	d.Name = m["lv_name"]
	d.VGName = m["vg_name"]
	d.Active = m["lv_active"] == "active"
	d.Pool = m["pool_lv"]
	d.UUID = m["lv_uuid"]
	d.Attr = m["lv_attr"]
	d.SegType = m["segtype"]
	d.Origin = m["origin"]

	d.Size, err = readReportUint64(m["lv_size"])

	return err
}

func parseLvReport(report []byte) ([]lvmLVData, error) {
	var d map[string]([]map[string]([]lvmLVData))

	err := json.Unmarshal(report, &d)
	if err != nil {
		return []lvmLVData{}, err
	}

	if len(d["report"]) == 0 {
		return []lvmLVData{}, nil
	}

	return d["report"][0]["lv"], nil
}

func getLvReport(config string, args ...string) ([]lvmLVData, error) {
	// -a lists the hidden and internal volumes too
	cmd := []string{"lvm", "lvs", "-a", "--options=lv_all,vg_name,segtype,origin,pool_lv",
		"--report-format=json", "--unit=B"}
	cmd = append(cmd, lvmConfigArgs(config)...)
	cmd = append(cmd, args...)
	out, stderr, rc := runCommandWithOutputErrorRc(cmd...)

	if rc != 0 {
		return []lvmLVData{},
			fmt.Errorf("failed lvm lvs [%d]: %s\n%s", rc, out, stderr)
	}

	return parseLvReport(out)
}
