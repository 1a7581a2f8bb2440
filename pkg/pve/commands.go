package pve

import (
	"strconv"

	"github.com/kballard/go-shellquote"
)

// Command classes
const (
	ClassCreate      = "create"
	ClassStart       = "start"
	ClassStop        = "stop"
	ClassDestroy     = "destroy"
	ClassSet         = "set"
	ClassStatus      = "status"
	ClassConfig      = "config"
	ClassSnapshot    = "snapshot"
	ClassRollback    = "rollback"
	ClassDelSnapshot = "delsnapshot"
	ClassVzdump      = "vzdump"
)

// Command is a hypervisor command line with the class used in error reports
type Command struct {
	Class string
	Args  []string
}

// String renders the command as a single shell-quoted line
func (c Command) String() string {
	return shellquote.Join(c.Args...)
}

func pct(class string, vmid int, extra ...string) Command {
	args := append([]string{"pct", class, strconv.Itoa(vmid)}, extra...)
	return Command{Class: class, Args: args}
}

// CreateOptions describes a new LXC container
type CreateOptions struct {
	Template    string
	Hostname    string
	Cores       int
	MemoryMB    int
	SwapMB      int
	DiskGB      int
	RootStorage string
	Bridge      string
	IP          string // CIDR; empty means DHCP
}

// Create builds "pct create"
func Create(vmid int, opts CreateOptions) Command {
	ip := "dhcp"
	if opts.IP != "" {
		ip = opts.IP
	}
	return pct(ClassCreate, vmid,
		opts.Template,
		"--hostname", opts.Hostname,
		"--cores", strconv.Itoa(opts.Cores),
		"--memory", strconv.Itoa(opts.MemoryMB),
		"--swap", strconv.Itoa(opts.SwapMB),
		"--rootfs", opts.RootStorage+":"+strconv.Itoa(opts.DiskGB),
		"--net0", "name=eth0,bridge="+opts.Bridge+",ip="+ip,
		"--unprivileged", "1",
	)
}

func Start(vmid int) Command {
	return pct(ClassStart, vmid)
}

func Stop(vmid int) Command {
	return pct(ClassStop, vmid)
}

// Destroy removes the container and everything referencing it
func Destroy(vmid int) Command {
	return pct(ClassDestroy, vmid, "--purge")
}

// Set resizes CPU and memory of a container
func Set(vmid, cores, memoryMB int) Command {
	return pct(ClassSet, vmid, "--cores", strconv.Itoa(cores), "--memory", strconv.Itoa(memoryMB))
}

func Status(vmid int) Command {
	return pct(ClassStatus, vmid)
}

func Config(vmid int) Command {
	return pct(ClassConfig, vmid)
}

func Snapshot(vmid int, name string) Command {
	return pct(ClassSnapshot, vmid, name)
}

func Rollback(vmid int, name string) Command {
	return pct(ClassRollback, vmid, name)
}

func DelSnapshot(vmid int, name string) Command {
	return pct(ClassDelSnapshot, vmid, name)
}

// Vzdump builds an archival backup of a container. mode is snapshot, suspend
// or stop.
func Vzdump(vmid int, mode, storage, compress string) Command {
	return Command{
		Class: ClassVzdump,
		Args: []string{
			"vzdump", strconv.Itoa(vmid),
			"--mode", mode,
			"--compress", compress,
			"--storage", storage,
		},
	}
}
