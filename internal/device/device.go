package device

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrRemoved       = errors.New("device removed")
)

// Handle identifies a drive together with a snapshot of what is inserted in it.
// The snapshot is produced by a Provider; the job engine only reads it.
type Handle struct {
	ID           string       `json:"id"`
	Label        string       `json:"label"`
	Path         string       `json:"path"`
	Capabilities Capabilities `json:"capabilities"`
}

type Capabilities struct {
	HasMedia   bool      `json:"has_media"`
	Media      MediaKind `json:"media"`
	Blank      bool      `json:"blank"`
	Rewritable bool      `json:"rewritable"`
	Writable   bool      `json:"writable"`
}

// DisplayName is the label when known, the path otherwise.
func (h Handle) DisplayName() string {
	if h.Label != "" {
		return h.Label
	}
	if h.Path != "" {
		return h.Path
	}
	return h.ID
}

// IsPartitionOf reports whether source names devPath itself or one of its
// partitions, like /dev/sdb1 for /dev/sdb or /dev/nvme0n1p2 for /dev/nvme0n1.
// Disks whose name ends in a digit take a "p" before the partition number.
func IsPartitionOf(source, devPath string) bool {
	rest, ok := strings.CutPrefix(source, devPath)
	if !ok || devPath == "" {
		return false
	}
	if rest == "" {
		return true
	}
	if last := devPath[len(devPath)-1]; last >= '0' && last <= '9' {
		rest, ok = strings.CutPrefix(rest, "p")
		if !ok || rest == "" {
			return false
		}
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Provider is the device enumeration collaborator.
type Provider interface {
	// Devices lists the drives currently known to the provider.
	Devices(ctx context.Context) ([]Handle, error)
	// Capabilities returns a fresh snapshot for a single drive or ErrUnknownDevice.
	Capabilities(ctx context.Context, id string) (Handle, error)
}

type MediaKind string

const (
	MediaUnknown  MediaKind = "unknown"
	MediaCD       MediaKind = "cd"
	MediaCDR      MediaKind = "cd-r"
	MediaCDRW     MediaKind = "cd-rw"
	MediaDVD      MediaKind = "dvd"
	MediaDVDR     MediaKind = "dvd-r"
	MediaDVDRW    MediaKind = "dvd-rw"
	MediaDVDRAM   MediaKind = "dvd-ram"
	MediaDVDPR    MediaKind = "dvd+r"
	MediaDVDPRW   MediaKind = "dvd+rw"
	MediaDVDPRDL  MediaKind = "dvd+r-dl"
	MediaDVDPRWDL MediaKind = "dvd+rw-dl"
	MediaBD       MediaKind = "bd"
	MediaBDR      MediaKind = "bd-r"
	MediaBDRE     MediaKind = "bd-re"
	MediaHDDVD    MediaKind = "hddvd"
	MediaHDDVDR   MediaKind = "hddvd-r"
	MediaHDDVDRW  MediaKind = "hddvd-rw"
	MediaMO       MediaKind = "mo"
	MediaDisk     MediaKind = "disk"
)

var mediaInfo = map[MediaKind]struct {
	name       string
	rewritable bool
	writable   bool
}{
	MediaUnknown:  {"Unknown", false, false},
	MediaCD:       {"CD", false, false},
	MediaCDR:      {"CD-R", false, true},
	MediaCDRW:     {"CD-RW", true, true},
	MediaDVD:      {"DVD", false, false},
	MediaDVDR:     {"DVD-R", false, true},
	MediaDVDRW:    {"DVD-RW", true, true},
	MediaDVDRAM:   {"DVD-RAM", true, true},
	MediaDVDPR:    {"DVD+R", false, true},
	MediaDVDPRW:   {"DVD+RW", true, true},
	MediaDVDPRDL:  {"DVD+R Dual Layer", false, true},
	MediaDVDPRWDL: {"DVD+RW Dual Layer", true, true},
	MediaBD:       {"BD", false, false},
	MediaBDR:      {"BD-R", false, true},
	MediaBDRE:     {"BD-RE", true, true},
	MediaHDDVD:    {"HD-DVD", false, false},
	MediaHDDVDR:   {"HD-DVD-R", false, true},
	MediaHDDVDRW:  {"HD-DVD-RW", true, true},
	MediaMO:       {"Magneto Optical", true, true},
	MediaDisk:     {"Disk", true, true},
}

func (k MediaKind) String() string {
	if i, ok := mediaInfo[k]; ok {
		return i.name
	}
	return mediaInfo[MediaUnknown].name
}

// Optical is true for every kind except Disk and unknown.
func (k MediaKind) Optical() bool {
	_, known := mediaInfo[k]
	return known && k != MediaDisk && k != MediaUnknown
}

// Rewritable reports whether the medium type supports erase and rewrite.
func (k MediaKind) Rewritable() bool {
	return mediaInfo[k].rewritable
}

// Writable reports whether the medium type accepts writes at all.
func (k MediaKind) Writable() bool {
	return mediaInfo[k].writable
}

var udisksMedia = map[string]MediaKind{
	"optical_cd":             MediaCD,
	"optical_cd_r":           MediaCDR,
	"optical_cd_rw":          MediaCDRW,
	"optical_dvd":            MediaDVD,
	"optical_dvd_r":          MediaDVDR,
	"optical_dvd_rw":         MediaDVDRW,
	"optical_dvd_ram":        MediaDVDRAM,
	"optical_dvd_plus_r":     MediaDVDPR,
	"optical_dvd_plus_rw":    MediaDVDPRW,
	"optical_dvd_plus_r_dl":  MediaDVDPRDL,
	"optical_dvd_plus_rw_dl": MediaDVDPRWDL,
	"optical_bd":             MediaBD,
	"optical_bd_r":           MediaBDR,
	"optical_bd_re":          MediaBDRE,
	"optical_hddvd":          MediaHDDVD,
	"optical_hddvd_r":        MediaHDDVDR,
	"optical_hddvd_rw":       MediaHDDVDRW,
	"optical_mo":             MediaMO,
	"optical_mrw":            MediaCDRW,
	"optical_mrw_w":          MediaCDRW,
}

// ParseUDisksMedia maps the UDisks2 Drive.Media property to a MediaKind.
// Non optical media strings (thumb, flash_*, floppy...) are reported as Disk.
func ParseUDisksMedia(s string) MediaKind {
	if k, ok := udisksMedia[s]; ok {
		return k
	}
	switch {
	case s == "":
		return MediaUnknown
	case strings.HasPrefix(s, "optical"):
		return MediaUnknown
	default:
		return MediaDisk
	}
}

// ParseMediaKind accepts both the canonical lower case form and the display name.
func ParseMediaKind(s string) (MediaKind, bool) {
	k := MediaKind(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := mediaInfo[k]; ok {
		return k, true
	}
	for kind, info := range mediaInfo {
		if strings.EqualFold(info.name, s) {
			return kind, true
		}
	}
	return MediaUnknown, false
}
