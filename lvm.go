package devtree

import (
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// PVInfo is what lvm reports about a physical volume and its volume group.
type PVInfo struct {
	Path          string `json:"path"`
	UUID          string `json:"uuid"`
	VGName        string `json:"vgName"`
	VGUUID        string `json:"vgUuid"`
	PEStart       uint64 `json:"peStart"`
	VGSize        uint64 `json:"vgSize"`
	VGFree        uint64 `json:"vgFree"`
	VGExtentSize  uint64 `json:"vgExtentSize"`
	VGExtentCount uint64 `json:"vgExtentCount"`
	VGFreeCount   uint64 `json:"vgFreeCount"`
	VGPVCount     int    `json:"vgPvCount"`
}

// LVInfo is what lvm reports about a logical volume. Internal volumes have
// their name in brackets, eg '[lv0_rimage_0]'.
type LVInfo struct {
	Name    string `json:"name"`
	VGName  string `json:"vgName"`
	UUID    string `json:"uuid"`
	Attr    string `json:"attr"`
	SegType string `json:"segType"`
	Origin  string `json:"origin,omitempty"`
	PoolLV  string `json:"poolLv,omitempty"`
	Size    uint64 `json:"size"`
}

// FullName returns the device name of the volume, vg-lv.
func (l LVInfo) FullName() string {
	return l.VGName + "-" + l.Name
}

// LVMFilter is the set of devices lvm commands are told to ignore.
type LVMFilter struct {
	rejects []string
}

// NewLVMFilter returns an empty filter.
func NewLVMFilter() *LVMFilter {
	return &LVMFilter{}
}

// AddReject makes lvm ignore the device name.
func (f *LVMFilter) AddReject(name string) {
	if !containsString(f.rejects, name) {
		f.rejects = append(f.rejects, name)
	}
}

// RemoveReject drops name from the filter.
func (f *LVMFilter) RemoveReject(name string) {
	for i, r := range f.rejects {
		if r == name {
			f.rejects = append(f.rejects[:i], f.rejects[i+1:]...)
			return
		}
	}
}

// Reset empties the filter.
func (f *LVMFilter) Reset() {
	f.rejects = nil
}

// Rejects returns the rejected device names.
func (f *LVMFilter) Rejects() []string {
	return append([]string{}, f.rejects...)
}

// Config returns the filter as an lvm --config argument, or "" if it is
// empty.
func (f *LVMFilter) Config() string {
	if f == nil || len(f.rejects) == 0 {
		return ""
	}

	rules := make([]string, len(f.rejects))
	for i, r := range f.rejects {
		rules[i] = fmt.Sprintf(`"r|/%s$|"`, r)
	}

	return fmt.Sprintf(" devices { filter=[%s] } ", strings.Join(rules, ","))
}

const (
	lvmCacheTTL = 5 * time.Minute
	pvCacheKey  = "pvs"
	lvCacheKey  = "lvs"
)

// lvmInfo caches pv and lv reports between populate passes.
type lvmInfo struct {
	cache  *cache.Cache
	prober Prober
	filter *LVMFilter
}

func newLVMInfo(prober Prober, filter *LVMFilter) *lvmInfo {
	return &lvmInfo{
		cache:  cache.New(lvmCacheTTL, lvmCacheTTL),
		prober: prober,
		filter: filter,
	}
}

// pvs returns the pv report keyed by device path.
func (l *lvmInfo) pvs() map[string]PVInfo {
	if v, found := l.cache.Get(pvCacheKey); found {
		return v.(map[string]PVInfo)
	}

	ret := map[string]PVInfo{}

	pvs, err := l.prober.PVs(l.filter)
	if err != nil {
		Log.WithError(err).Warn("failed to read pv info")
		return ret
	}

	for _, pv := range pvs {
		ret[pv.Path] = pv
	}

	l.cache.Set(pvCacheKey, ret, cache.DefaultExpiration)

	return ret
}

// lvs returns the lv report keyed by vg-lv name.
func (l *lvmInfo) lvs() map[string]LVInfo {
	if v, found := l.cache.Get(lvCacheKey); found {
		return v.(map[string]LVInfo)
	}

	ret := map[string]LVInfo{}

	lvs, err := l.prober.LVs(l.filter)
	if err != nil {
		Log.WithError(err).Warn("failed to read lv info")
		return ret
	}

	for _, lv := range lvs {
		ret[lv.FullName()] = lv
	}

	l.cache.Set(lvCacheKey, ret, cache.DefaultExpiration)

	return ret
}

func (l *lvmInfo) drop() {
	l.cache.Flush()
}
