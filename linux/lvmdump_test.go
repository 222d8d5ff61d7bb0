//go:build linux
// +build linux

package linux

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

var size1 uint64 = 27514634240
var size2 uint64 = 55029268480
var size3 = size2 * 2

func asBS(b uint64) string {
	return fmt.Sprintf("%dB", b)
}

func TestParseLvReport(t *testing.T) {
	ast := assert.New(t)
	rawStub := map[string]string{"ignore-key": "ignore-val"}

	found, err := parseLvReport([]byte(
		`{"report": [{"lv": [{
          "lv_active": "active",
          "lv_attr": "-wi-ao----",
          "lv_full_name": "atx_container/storage",
          "lv_name": "storage",
          "lv_path": "/dev/atx_container/storage",
          "lv_size": "` + asBS(size1) + `",
          "lv_uuid": "yY7AfO-dtWE-ROJR-f7G9-d70P-pjGF-lFfXgf",
          "vg_name": "atx_container",
          "segtype": "linear",
          "origin": "",
          "pool_lv": ""
		}]}]}`))
	found[0].raw = rawStub

	ast.Equal(nil, err)
	ast.Equal(
		[]lvmLVData{
			{
				Name:    "storage",
				VGName:  "atx_container",
				Path:    "/dev/atx_container/storage",
				Size:    size1,
				UUID:    "yY7AfO-dtWE-ROJR-f7G9-d70P-pjGF-lFfXgf",
				Active:  true,
				Pool:    "",
				Attr:    "-wi-ao----",
				SegType: "linear",
				raw:     rawStub,
			}}, found)

	info := found[0].toLVInfo()
	ast.Equal("atx_container-storage", info.FullName())
	ast.Equal("-wi-ao----", info.Attr)
}

func TestParseLvReportEmpty(t *testing.T) {
	ast := assert.New(t)

	found, err := parseLvReport([]byte(`{"report": []}`))
	ast.Nil(err)
	ast.Len(found, 0)

	_, err = parseLvReport([]byte(`not json`))
	ast.NotNil(err)
}

func TestParsePvReport(t *testing.T) {
	ast := assert.New(t)
	rawStub := map[string]string{"ignore-key": "ignore-val"}
	found, err := parsePvReport([]byte(
		`{"report": [{"pv": [{
		  "dev_size": "` + asBS(size2) + `",
		  "pv_free": "` + asBS(size3) + `",
		  "pv_mda_size": "` + asBS(size1) + `",
		  "pv_name": "/dev/vda3",
		  "pv_size": "` + asBS(size2) + `",
		  "pv_uuid": "Gf0GD0-hH0M-7x8i-9LQt-AAZm-ke5b-VfWlGR",
		  "pe_start": "1048576B",
		  "vg_name": "vg0",
		  "vg_uuid": "pB0WKT-WukN-IAjl-Q1Lr-bLmH-Xh5x-In0V5e",
		  "vg_size": "` + asBS(size2) + `",
		  "vg_free": "0B",
		  "vg_extent_size": "4194304B",
		  "vg_extent_count": "13119",
		  "vg_free_count": "0",
		  "pv_count": "1"
		}]}]}`))
	found[0].raw = rawStub

	ast.Equal(nil, err)
	ast.Equal(
		[]lvmPVData{
			{
				Path:          "/dev/vda3",
				VGName:        "vg0",
				VGUUID:        "pB0WKT-WukN-IAjl-Q1Lr-bLmH-Xh5x-In0V5e",
				Size:          size2,
				UUID:          "Gf0GD0-hH0M-7x8i-9LQt-AAZm-ke5b-VfWlGR",
				Free:          size3,
				MetadataSize:  size1,
				PEStart:       1048576,
				VGSize:        size2,
				VGFree:        0,
				VGExtentSize:  4194304,
				VGExtentCount: 13119,
				VGFreeCount:   0,
				VGPVCount:     1,
				raw:           rawStub,
			}}, found)

	info := found[0].toPVInfo()
	ast.Equal("vg0", info.VGName)
	ast.Equal(uint64(4194304), info.VGExtentSize)
}

func TestReadReportUint64(t *testing.T) {
	ast := assert.New(t)

	v, err := readReportUint64("")
	ast.Nil(err)
	ast.Equal(uint64(0), v)

	v, err = readReportUint64("512B")
	ast.Nil(err)
	ast.Equal(uint64(512), v)

	_, err = readReportUint64("12.5B")
	ast.NotNil(err)
}

func TestLVMConfigArgs(t *testing.T) {
	ast := assert.New(t)
	ast.Equal([]string{}, lvmConfigArgs(""))
	ast.Equal([]string{"--config= devices { filter=[\"r|/sdb$|\"] } "},
		lvmConfigArgs(` devices { filter=["r|/sdb$|"] } `))
}
