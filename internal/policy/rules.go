package policy

import "regexp"

// defaultBlockedPatterns are matched case-insensitively against the whole raw
// command before it is split, so a blocked token cannot hide in a chain.
var defaultBlockedPatterns = []string{
	// Destructive file operations.
	"rm -rf", "rm -fr", "rm -r ", "rm -f ", "rmdir", "shred ", "del /", "rd /s", "format c:", "mkfs", "dd if=", "wipefs",
	// Privilege escalation.
	"sudo", "su -", "su root", "doas ", "pkexec", "runas ", "visudo", "passwd", "useradd", "userdel", "usermod",
	// Process and service control.
	"kill ", "killall", "pkill", "taskkill", "shutdown", "reboot", "poweroff", "halt ", "init 0", "init 6",
	"systemctl", "service ", "launchctl", "sc stop", "sc delete", "crontab -r",
	// Permission changes.
	"chmod", "chown", "chgrp", "chattr", "setfacl", "icacls", "takeown",
	// Disk and mount operations.
	"mount ", "umount", "fdisk", "parted", "diskpart", "losetup", "swapoff",
	"> /dev/sd", "> /dev/nvme", "of=/dev/",
	// Fork bombs and command substitution.
	":(){", "$(", "`",
	// Firewall, registry and reverse shells.
	"iptables", "reg delete", "nc -e", "ncat -e",
}

// defaultAllowedCommands are read-only tools safe to run without review.
var defaultAllowedCommands = []string{
	// Listing and inspection.
	"ls", "dir", "tree", "pwd", "stat", "file", "du", "df", "find", "locate", "which", "whereis", "where",
	"realpath", "readlink", "basename", "dirname",
	// Reading.
	"cat", "type", "head", "tail", "wc", "nl", "od", "hexdump", "strings", "zcat",
	// Searching and text processing.
	"grep", "egrep", "fgrep", "rg", "ag", "findstr", "sort", "uniq", "cut", "tr", "column", "diff", "cmp",
	"jq", "yq", "md5sum", "sha1sum", "sha256sum", "base64",
	// System information.
	"echo", "printf", "date", "whoami", "id", "groups", "hostname", "uname", "uptime", "ps", "free",
	"printenv", "ver", "systeminfo", "tasklist",
	// Control.
	"true", "false", "test", "sleep",
	// Tools with subcommand rules.
	"git", "go", "npm", "docker", "kubectl",
}

// defaultSubcommands restrict tools that have both read-only and mutating subcommands.
var defaultSubcommands = map[string]SubcommandRule{
	"git": {
		Allowed: []string{
			"status", "log", "diff", "show", "branch", "tag", "remote", "blame", "ls-files", "ls-tree",
			"rev-parse", "describe", "shortlog", "grep", "reflog", "cat-file", "whatchanged", "count-objects",
			"version",
		},
		Denied: map[string]string{
			"commit":        "modifies repository state",
			"push":          "modifies remote repository",
			"pull":          "modifies repository state",
			"fetch":         "contacts remote repository",
			"clone":         "contacts remote repository",
			"reset":         "modifies repository state",
			"checkout":      "modifies working tree",
			"switch":        "modifies working tree",
			"restore":       "modifies working tree",
			"merge":         "modifies repository state",
			"rebase":        "rewrites history",
			"cherry-pick":   "modifies repository state",
			"revert":        "modifies repository state",
			"clean":         "deletes untracked files",
			"rm":            "deletes files",
			"mv":            "moves files",
			"add":           "modifies the index",
			"stash":         "modifies working tree",
			"am":            "modifies repository state",
			"apply":         "modifies working tree",
			"init":          "creates a repository",
			"gc":            "rewrites object storage",
			"prune":         "deletes objects",
			"filter-branch": "rewrites history",
			"update-ref":    "modifies references",
			"submodule":     "modifies repository state",
			"worktree":      "modifies working trees",
			"config":        "modifies configuration",
		},
	},
	"go": {
		Allowed: []string{"version", "env", "list", "vet", "doc", "help"},
		Denied: map[string]string{
			"run":      "executes arbitrary code",
			"test":     "executes arbitrary code",
			"generate": "executes arbitrary code",
			"build":    "writes build artifacts",
			"install":  "installs binaries",
			"get":      "modifies module dependencies",
			"mod":      "modifies module dependencies",
			"work":     "modifies workspace",
			"clean":    "deletes files",
			"fmt":      "rewrites source files",
		},
	},
	"npm": {
		Allowed: []string{"ls", "list", "view", "info", "outdated", "help", "search"},
		Denied: map[string]string{
			"install":   "modifies dependencies",
			"i":         "modifies dependencies",
			"ci":        "modifies dependencies",
			"uninstall": "modifies dependencies",
			"update":    "modifies dependencies",
			"publish":   "publishes a package",
			"unpublish": "removes a published package",
			"run":       "executes arbitrary scripts",
			"exec":      "executes arbitrary code",
			"start":     "executes arbitrary scripts",
			"test":      "executes arbitrary scripts",
			"link":      "modifies global packages",
			"init":      "creates files",
		},
	},
	"docker": {
		Allowed: []string{"ps", "images", "inspect", "logs", "version", "info"},
		Denied: map[string]string{
			"run":     "starts containers",
			"exec":    "executes inside a container",
			"rm":      "removes containers",
			"rmi":     "removes images",
			"kill":    "stops containers",
			"stop":    "stops containers",
			"start":   "starts containers",
			"restart": "restarts containers",
			"build":   "builds images",
			"push":    "publishes images",
			"pull":    "downloads images",
			"commit":  "creates images",
			"cp":      "copies files into containers",
			"compose": "manages services",
			"system":  "manages the docker host",
			"volume":  "manages volumes",
			"network": "manages networks",
		},
	},
	"kubectl": {
		Allowed: []string{"get", "describe", "logs", "version", "explain", "api-resources", "top"},
		Denied: map[string]string{
			"apply":        "modifies cluster state",
			"create":       "modifies cluster state",
			"delete":       "deletes cluster resources",
			"edit":         "modifies cluster state",
			"patch":        "modifies cluster state",
			"replace":      "modifies cluster state",
			"scale":        "modifies cluster state",
			"exec":         "executes inside a pod",
			"run":          "starts workloads",
			"cp":           "copies files into pods",
			"drain":        "evicts workloads",
			"cordon":       "modifies node scheduling",
			"uncordon":     "modifies node scheduling",
			"taint":        "modifies node scheduling",
			"label":        "modifies cluster state",
			"annotate":     "modifies cluster state",
			"rollout":      "modifies deployments",
			"port-forward": "opens network tunnels",
			"set":          "modifies cluster state",
			"expose":       "modifies cluster state",
			"autoscale":    "modifies cluster state",
		},
	},
}

// defaultTrustedDirs hold system binaries an explicit path may point into.
var defaultTrustedDirs = []string{
	"/bin",
	"/usr/bin",
	"/usr/local/bin",
	"/sbin",
	"/usr/sbin",
	`C:\Windows\System32`,
}

// strictPatterns flag dangerous arguments. Applied only in ModeStrict.
var strictPatterns = []argPattern{
	{name: "force flag", re: regexp.MustCompile(`(^|\s)(-[a-zA-Z]*f[a-zA-Z]*|--force)(\s|=|$)`)},
	{name: "hard reset", re: regexp.MustCompile(`(^|\s)--hard(\s|$)`)},
	{name: "shell metacharacter", re: regexp.MustCompile("[`$<>(){}]")},
	{name: "path traversal", re: regexp.MustCompile(`\.\.([/\\]|\s|$)`)},
}

// defaultDeniedOptions are options that make an allowlisted tool run another
// program or write files. Applied in restricted and strict mode.
var defaultDeniedOptions = map[string]optionSet{
	"find": {options: []deniedOption{
		{name: "-exec", why: "runs a program"},
		{name: "-execdir", why: "runs a program"},
		{name: "-ok", why: "runs a program"},
		{name: "-okdir", why: "runs a program"},
		{name: "-delete", why: "deletes files"},
		{name: "-fprint", why: "writes files"},
		{name: "-fprint0", why: "writes files"},
		{name: "-fprintf", why: "writes files"},
		{name: "-fls", why: "writes files"},
	}},
	"git": {options: []deniedOption{
		{name: "-c", why: "overrides configuration", global: true},
		{name: "--config-env", why: "overrides configuration", global: true},
		{name: "--exec-path", why: "changes where git finds programs", global: true},
		{name: "-O", why: "runs a pager program"},
		{name: "--open-files-in-pager", why: "runs a pager program"},
		{name: "--ext-diff", why: "runs an external diff program"},
		{name: "--output", why: "writes files"},
	}},
	"rg": {options: []deniedOption{
		{name: "--pre", why: "runs a preprocessor program"},
	}},
	"sort": {bundled: true, options: []deniedOption{
		{name: "-o", why: "writes files"},
		{name: "--output", why: "writes files"},
		{name: "--compress-program", why: "runs a program"},
	}},
	"tree": {options: []deniedOption{
		{name: "-o", why: "writes files"},
	}},
	"go": {words: true, options: []deniedOption{
		{name: "-exec", why: "runs a program"},
		{name: "--exec", why: "runs a program"},
		{name: "-toolexec", why: "runs a program"},
		{name: "--toolexec", why: "runs a program"},
		{name: "-vettool", why: "runs a program"},
		{name: "--vettool", why: "runs a program"},
		{name: "-w", why: "changes go env settings", sub: "env"},
		{name: "-u", why: "changes go env settings", sub: "env"},
	}},
	"date": {options: []deniedOption{
		{name: "-s", why: "sets the system clock"},
		{name: "--set", why: "sets the system clock"},
	}},
}
