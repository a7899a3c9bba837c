package probes

import "strings"

// Distribution families with their own baseline.
const (
	DistroDebian  = "debian"
	DistroRHEL    = "rhel"
	DistroAlpine  = "alpine"
	DistroArch    = "arch"
	DistroSUSE    = "suse"
	DistroGeneric = "generic"
)

// commonBaseline is hidden on every systemd distribution.
var commonBaseline = []string{
	"dbus.service",
	"getty@tty1.service",
	"serial-getty@ttyS0.service",
	"systemd-journald.service",
	"systemd-logind.service",
	"systemd-networkd.service",
	"systemd-resolved.service",
	"systemd-timesyncd.service",
	"systemd-udevd.service",
	"systemd-tmpfiles-setup.service",
	"systemd-tmpfiles-setup-dev.service",
	"systemd-journal-flush.service",
	"systemd-random-seed.service",
	"systemd-remount-fs.service",
	"systemd-sysctl.service",
	"systemd-update-utmp.service",
	"systemd-user-sessions.service",
	"systemd-modules-load.service",
	"systemd-fsck-root.service",
	"user@0.service",
	"polkit.service",
	"cron.service",
	"ssh.service",
	"sshd.service",
}

var distroBaseline = map[string][]string{
	DistroDebian: {
		"apparmor.service",
		"apt-daily.service",
		"apt-daily-upgrade.service",
		"console-setup.service",
		"keyboard-setup.service",
		"networking.service",
		"rsyslog.service",
		"unattended-upgrades.service",
		"cloud-init.service",
		"cloud-config.service",
		"cloud-final.service",
		"snapd.service",
		"multipathd.service",
		"ufw.service",
	},
	DistroRHEL: {
		"auditd.service",
		"chronyd.service",
		"crond.service",
		"firewalld.service",
		"irqbalance.service",
		"kdump.service",
		"NetworkManager.service",
		"rsyslog.service",
		"tuned.service",
		"rhsmcertd.service",
		"sssd.service",
		"dnf-makecache.service",
	},
	DistroArch: {
		"systemd-homed.service",
		"systemd-userdbd.service",
		"NetworkManager.service",
	},
	DistroSUSE: {
		"wickedd.service",
		"wicked.service",
		"firewalld.service",
		"chronyd.service",
		"auditd.service",
	},
	// Alpine runs OpenRC; systemctl is absent and the list is empty.
	DistroAlpine: {},
}

// detectDistro maps /etc/os-release to a baseline family.
func detectDistro(osRelease []byte) string {
	fields := osReleaseFields(osRelease)
	ids := append([]string{fields["ID"]}, strings.Fields(fields["ID_LIKE"])...)
	for _, id := range ids {
		switch strings.ToLower(id) {
		case "debian", "ubuntu", "raspbian", "linuxmint":
			return DistroDebian
		case "rhel", "fedora", "centos", "rocky", "almalinux", "amzn", "ol":
			return DistroRHEL
		case "alpine":
			return DistroAlpine
		case "arch", "manjaro", "endeavouros":
			return DistroArch
		case "suse", "opensuse", "sles", "opensuse-leap", "opensuse-tumbleweed":
			return DistroSUSE
		}
	}
	return DistroGeneric
}

// baselineFor returns the set of services hidden for distro.
func baselineFor(distro string, extra map[string][]string) map[string]struct{} {
	set := make(map[string]struct{}, len(commonBaseline)+16)
	for _, name := range commonBaseline {
		set[name] = struct{}{}
	}
	for _, name := range distroBaseline[distro] {
		set[name] = struct{}{}
	}
	for _, name := range extra[distro] {
		set[name] = struct{}{}
	}
	return set
}
