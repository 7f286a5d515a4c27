package classify

import "regexp"

// The pattern tables below are the classifier. They are kept as data so
// the rule set can be audited and extended without touching the matching
// logic. Category order matters: first match wins.

// safePatterns short-circuit to a non-destructive verdict.
var safePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*(ls|ll|dir)\b`),
	regexp.MustCompile(`(?i)^\s*(cat|type|less|more|head|tail)\b`),
	regexp.MustCompile(`(?i)^\s*(pwd|cd|echo|printf|whoami|hostname|date|uptime)\b`),
	regexp.MustCompile(`(?i)^\s*(grep|find|which|where|locate)\b`),
	regexp.MustCompile(`(?i)^\s*(cp|copy|xcopy|robocopy)\b`),
	regexp.MustCompile(`(?i)^\s*rsync\b`),
	regexp.MustCompile(`(?i)^\s*(ps|top|htop|free|df|du)\b`),
	regexp.MustCompile(`(?i)^\s*git\s+(status|log|diff|show|branch|fetch)\b`),
	regexp.MustCompile(`(?i)>>`), // append redirect keeps existing bytes
	regexp.MustCompile(`(?i)^\s*(mkdir|touch|New-Item)\b`),
	regexp.MustCompile(`(?i)^\s*Get-\w+`),
	regexp.MustCompile(`(?i)^\s*(tar|zip|gzip)\s+[^-]*-?[ct]`),
}

// rule binds one destructive pattern to its category and base severity.
// Path-like capture groups become the analysis's affected paths.
type rule struct {
	Pattern      *regexp.Regexp
	Category     Category
	BaseSeverity Severity
	Description  string
}

// destructiveRules are tried in declared category order:
// delete, move, format, truncate, registry, database, system.
var destructiveRules = []rule{
	// delete
	{regexp.MustCompile(`(?i)^\s*rm\s+(?:-[a-z]+\s+)*(.+)$`), CategoryDelete, SeverityMedium, "removes files or directories"},
	{regexp.MustCompile(`(?i)^\s*(?:del|erase)\s+(?:/[a-z]+\s+)*(.+)$`), CategoryDelete, SeverityMedium, "deletes files"},
	{regexp.MustCompile(`(?i)^\s*rmdir\s+(?:/[sq]+\s+)*(.+)$`), CategoryDelete, SeverityMedium, "removes directories"},
	{regexp.MustCompile(`(?i)^\s*Remove-Item\s+(?:-\w+\s+)*(.+?)(?:\s+-\w+.*)?$`), CategoryDelete, SeverityMedium, "removes items"},
	{regexp.MustCompile(`(?i)^\s*unlink\s+(.+)$`), CategoryDelete, SeverityLow, "unlinks a file"},
	{regexp.MustCompile(`(?i)^\s*shred\s+(?:-\w+\s+)*(.+)$`), CategoryDelete, SeverityHigh, "securely destroys file contents"},
	{regexp.MustCompile(`(?i)^\s*git\s+clean\s+(?:-\w+\s*)*(.*)$`), CategoryDelete, SeverityMedium, "removes untracked files"},

	// move
	{regexp.MustCompile(`(?i)^\s*mv\s+(?:-[a-z]+\s+)*(\S+)\s+(\S+)\s*$`), CategoryMove, SeverityLow, "moves or renames, overwriting the destination"},
	{regexp.MustCompile(`(?i)^\s*(?:move|ren|rename)\s+(\S+)\s+(\S+)\s*$`), CategoryMove, SeverityLow, "moves or renames"},
	{regexp.MustCompile(`(?i)^\s*Move-Item\s+(?:-\w+\s+)*(\S+)\s+(\S+)\s*$`), CategoryMove, SeverityLow, "moves items"},

	// format
	{regexp.MustCompile(`(?i)^\s*mkfs(?:\.\w+)?\s+(?:-\w+\s+)*(\S+)`), CategoryFormat, SeverityCritical, "formats a filesystem"},
	{regexp.MustCompile(`(?i)^\s*format\s+([a-z]:)`), CategoryFormat, SeverityCritical, "formats a volume"},
	{regexp.MustCompile(`(?i)^\s*dd\s+.*of=(\S+)`), CategoryFormat, SeverityCritical, "overwrites a device or file byte-wise"},
	{regexp.MustCompile(`(?i)^\s*(?:diskpart|fdisk|parted)\b()`), CategoryFormat, SeverityCritical, "modifies partition tables"},

	// truncate
	{regexp.MustCompile(`(?i)^\s*truncate\s+(?:-s\s*\S+\s+)?(.+)$`), CategoryTruncate, SeverityMedium, "truncates files"},
	{regexp.MustCompile(`(?i)^\s*:\s*>\s*(\S+)`), CategoryTruncate, SeverityMedium, "truncates a file via redirect"},
	{regexp.MustCompile(`(?i)^\s*(?:echo\s+.*|printf\s+.*)?\s>\s*(\S+)\s*$`), CategoryTruncate, SeverityLow, "overwrites a file via redirect"},
	{regexp.MustCompile(`(?i)^\s*Clear-Content\s+(?:-\w+\s+)*(.+)$`), CategoryTruncate, SeverityMedium, "clears file contents"},

	// registry
	{regexp.MustCompile(`(?i)^\s*reg\s+delete\s+(\S+)`), CategoryRegistry, SeverityHigh, "deletes registry keys"},
	{regexp.MustCompile(`(?i)^\s*Remove-ItemProperty\s+(?:-\w+\s+)*(.+)$`), CategoryRegistry, SeverityHigh, "removes registry values"},

	// database
	{regexp.MustCompile(`(?i)\bdrop\s+(?:table|database|schema|index)\s+(\S+)`), CategoryDatabase, SeverityHigh, "drops a database object"},
	{regexp.MustCompile(`(?i)\btruncate\s+table\s+(\S+)`), CategoryDatabase, SeverityHigh, "truncates a table"},
	{regexp.MustCompile(`(?i)\bdelete\s+from\s+(\S+)`), CategoryDatabase, SeverityMedium, "deletes rows"},

	// system
	{regexp.MustCompile(`(?i)^\s*(?:shutdown|reboot|halt|poweroff)\b()`), CategorySystem, SeverityHigh, "changes machine power state"},
	{regexp.MustCompile(`(?i)^\s*(?:systemctl|service)\s+(?:stop|disable|mask)\s+(\S+)`), CategorySystem, SeverityMedium, "stops or disables a service"},
	{regexp.MustCompile(`(?i)^\s*(?:Stop-Service|Set-Service.*-StartupType\s+Disabled)\s*(\S*)`), CategorySystem, SeverityMedium, "stops or disables a service"},
	{regexp.MustCompile(`(?i)^\s*(?:kill|pkill|killall|taskkill)\b\s*(.*)$`), CategorySystem, SeverityLow, "terminates processes"},
	{regexp.MustCompile(`(?i)^\s*(?:useradd|userdel|usermod|net\s+user)\b\s*(.*)$`), CategorySystem, SeverityMedium, "modifies local accounts"},
	{regexp.MustCompile(`(?i)^\s*chmod\s+(?:-[a-z]+\s+)*\S+\s+(.+)$`), CategorySystem, SeverityLow, "changes permissions"},
	{regexp.MustCompile(`(?i)^\s*chown\s+(?:-[a-z]+\s+)*\S+\s+(.+)$`), CategorySystem, SeverityLow, "changes ownership"},
}

// systemPrefixes mark paths whose mutation is always critical.
// Compared lowercase with backslashes normalized to slashes.
var systemPrefixes = []string{
	// Windows
	"c:/windows",
	"c:/program files",
	"c:/program files (x86)",
	"c:/programdata",
	// POSIX
	"/bin", "/sbin", "/usr/bin", "/usr/sbin", "/usr/lib",
	"/etc", "/boot", "/lib", "/lib64", "/sys", "/proc", "/dev",
	"/system", "/library",
}
