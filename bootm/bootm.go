// Package bootm implements the boot orchestrator: given a set of image
// paths (OS, optional initrd, optional devicetree) it opens, verifies, and
// loads them into RAM and hands control to a registered image handler. The
// uImage container format, devicetree flatten/unflatten, and the physical
// memory allocator are all external collaborators — bootm only depends on
// the small interfaces below, never on their internals.
package bootm

import (
	"strconv"
	"strings"

	netcore "github.com/cleitner/barebox-mcast"
)

// FileType classifies a boot image file, mirroring the source's
// file_name_detect_type/file_detect_type sniffing.
type FileType uint8

const (
	FileTypeUnknown FileType = iota
	FileTypeUImage
	FileTypeOfTree
	FileTypeRaw
)

// Address is a physical load address. AddressInvalid means "no address was
// determined"; AddressInherit means "use whatever address the uImage
// header specifies" (the source's UIMAGE_SOME_ADDRESS sentinel).
type Address uint64

const (
	AddressInvalid Address = 0
	AddressInherit Address = ^Address(0)
)

// SDRAMRegion is a claim on a physical address range, released explicitly
// through the SDRAMAllocator that produced it.
type SDRAMRegion interface {
	Start() Address
	End() Address
}

// SDRAMAllocator is the physical memory allocator collaborator.
type SDRAMAllocator interface {
	Request(name string, addr Address, size int) (SDRAMRegion, error)
	Release(SDRAMRegion)
	// CopyTo copies src into the region's backing memory starting at its
	// Start address.
	CopyTo(region SDRAMRegion, src []byte) error
}

// UImageHeader carries the fixed fields of a uImage container needed by
// the orchestrator, independent of the rest of the container's internals.
type UImageHeader struct {
	OS         uint8
	Arch       uint8
	Multi      bool // true if this is a multi-file image
	LoadAddr   Address
	EntryPoint Address
}

// UImageHandle is an opened uImage container, the uImage collaborator.
type UImageHandle interface {
	Header() UImageHeader
	// Verify checks the payload CRC embedded in the container.
	Verify() error
	// LoadToSDRAM loads sub-image index into a region allocated at addr.
	LoadToSDRAM(alloc SDRAMAllocator, index int, addr Address) (SDRAMRegion, error)
	// LoadToBuffer returns sub-image index's raw bytes without touching SDRAM.
	LoadToBuffer(index int) ([]byte, error)
	Close() error
}

// UImageOpener opens a uImage container by file path.
type UImageOpener func(path string) (UImageHandle, error)

// FileTypeSniffer classifies a file by content (when content is non-nil)
// or by name, matching file_detect_type/file_name_detect_type.
type FileTypeSniffer func(path string, content []byte) FileType

// FileReader reads a whole file into memory, the source's read_file.
type FileReader func(path string) ([]byte, error)

// DeviceTree is an in-memory, editable devicetree, the unflattened form.
type DeviceTree interface {
	// AddInitrd injects /chosen/linux,initrd-start|end for the given region.
	AddInitrd(start, end Address)
	// Flatten serializes the tree back to a flat devicetree blob, with a
	// reserve map covering any regions registered via AddInitrd.
	Flatten() ([]byte, error)
}

// DeviceTreeParser unflattens a raw FDT blob and exposes the live (shared)
// root tree, if the platform has one loaded independent of any boot image.
type DeviceTreeParser interface {
	Unflatten(raw []byte) (DeviceTree, error)
	// Root returns the platform's shared root devicetree, or nil if none.
	// bootm must not delete this tree on teardown.
	Root() DeviceTree
}

// ImageHandler boots a fully-loaded image. Exactly one handler, the first
// registered match for (filetype, header.OS), is invoked per Boot call.
type ImageHandler interface {
	Name() string
	FileType() FileType
	// OS is only consulted when FileType is FileTypeUImage.
	OS() uint8
	// Boot is not expected to return on success.
	Boot(data *ImageData) error
}

// HandlerRegistry is the append-only, first-match image handler list. The
// original never supports deregistration; neither does this.
type HandlerRegistry struct {
	handlers []ImageHandler
}

// Register appends handler to the registry.
func (r *HandlerRegistry) Register(handler ImageHandler) {
	r.handlers = append(r.handlers, handler)
}

// find returns the earliest-registered handler matching filetype (and, for
// uImage files, osType), or nil.
func (r *HandlerRegistry) find(filetype FileType, osType uint8) ImageHandler {
	for _, h := range r.handlers {
		if filetype != FileTypeUImage && h.FileType() == filetype {
			return h
		}
		if filetype == FileTypeUImage && h.FileType() == FileTypeUImage && h.OS() == osType {
			return h
		}
	}
	return nil
}

// BootmData is the caller-supplied boot request, mirroring struct
// bootm_data: the three name[@index] triplets plus boot policy flags.
type BootmData struct {
	OSFile     string
	InitrdFile string
	OfTreeFile string

	Verbose int
	Verify  bool
	Force   bool
	Dryrun  bool

	OSAddress     Address
	InitrdAddress Address
	OSEntry       Address
}

// ImageData is the orchestrator's working state for a single Boot call,
// equivalent to struct image_data. It is constructed fresh per call and
// torn down unconditionally before Boot returns.
type ImageData struct {
	OSFile     string
	OSNum      int
	InitrdFile string
	InitrdNum  int
	OfTreeFile string
	OfTreeNum  int

	Verbose int
	Verify  bool
	Force   bool
	Dryrun  bool

	OSAddress     Address
	InitrdAddress Address
	OSEntry       Address

	os, initrd   UImageHandle
	osRes        SDRAMRegion
	initrdRes    SDRAMRegion
	oftreeRes    SDRAMRegion
	ofRootNode   DeviceTree
	oftreeIsRoot bool
	oftree       []byte

	orch *Orchestrator
}

// LoadOS loads the OS image to addr. It is idempotent: a handler may call
// it freely without worrying about double-loading.
func (d *ImageData) LoadOS(addr Address) error { return d.orch.bootmLoadOS(d, addr) }

// LoadInitrd loads the configured initrd to addr, or succeeds trivially if
// none is configured. Idempotent like LoadOS.
func (d *ImageData) LoadInitrd(addr Address) error { return d.orch.bootmLoadInitrd(d, addr) }

// LoadDeviceTree finalizes and relocates the devicetree to addr, publishing
// it for DeviceTree() to return. Idempotent like LoadOS.
func (d *ImageData) LoadDeviceTree(addr Address) error { return d.orch.bootmLoadDeviceTree(d, addr) }

// OSHandle returns the opened OS uImage, or nil if the OS file is not a
// uImage container.
func (d *ImageData) OSHandle() UImageHandle { return d.os }

// OSLoaded reports whether bootm_load_os has already placed the OS in RAM.
func (d *ImageData) OSLoaded() bool { return d.osRes != nil }

// InitrdLoaded reports whether an initrd has been placed in RAM. It is
// false when no initrd is configured.
func (d *ImageData) InitrdLoaded() bool { return d.initrdRes != nil }

// DeviceTree returns the flattened, relocated devicetree blob ready to pass
// to the kernel, or nil if none was produced.
func (d *ImageData) DeviceTree() []byte { return d.oftree }

// Orchestrator wires together the collaborators needed to run Boot: image
// handler lookup, uImage opening, file-type sniffing, whole-file reads,
// devicetree parsing, and the SDRAM allocator.
type Orchestrator struct {
	Handlers   HandlerRegistry
	OpenUImage UImageOpener
	Sniff      FileTypeSniffer
	ReadFile   FileReader
	DTParser   DeviceTreeParser
	Alloc      SDRAMAllocator

	// BuildArch is the architecture identifier a uImage's header.Arch
	// must match; Boot rejects any OS image built for a different one.
	BuildArch uint8
}

// splitNameIndex splits a "name[@index]" triplet into its path and integer
// index (0 if absent), matching bootm_image_name_and_no.
func splitNameIndex(name string) (path string, index int) {
	if name == "" {
		return "", 0
	}
	at := strings.LastIndexByte(name, '@')
	if at < 0 {
		return name, 0
	}
	n, err := strconv.Atoi(name[at+1:])
	if err != nil {
		return name[:at], 0
	}
	return name[:at], n
}

// Boot runs the full bootm_boot pipeline: parse triplets, sniff and open
// the OS (and optionally initrd/devicetree), find a matching handler, and
// invoke it — unless Dryrun is set, in which case Boot returns nil once
// every image is opened and a handler is found, without loading anything
// into RAM. Teardown (SDRAM release, uImage
// close, devicetree free) runs on every exit path.
func (o *Orchestrator) Boot(bd *BootmData) error {
	if bd.OSFile == "" {
		return netcore.NewError("bootm.Boot", netcore.KindInvalidArgument, nil)
	}

	data := &ImageData{
		Verbose:       bd.Verbose,
		Verify:        bd.Verify,
		Force:         bd.Force,
		Dryrun:        bd.Dryrun,
		OSAddress:     bd.OSAddress,
		InitrdAddress: bd.InitrdAddress,
		OSEntry:       bd.OSEntry,
		orch:          o,
	}
	data.OSFile, data.OSNum = splitNameIndex(bd.OSFile)
	data.OfTreeFile, data.OfTreeNum = splitNameIndex(bd.OfTreeFile)
	data.InitrdFile, data.InitrdNum = splitNameIndex(bd.InitrdFile)

	defer o.teardown(data)

	osType := o.Sniff(data.OSFile, nil)
	if osType == FileTypeUnknown && !data.Force {
		return netcore.NewError("bootm.Boot", netcore.KindInvalidArgument, nil)
	}

	if osType == FileTypeUImage {
		if err := o.openOS(data); err != nil {
			return err
		}
	}

	var initrdType FileType
	if data.InitrdFile != "" {
		initrdType = o.Sniff(data.InitrdFile, nil)
		if initrdType == FileTypeUImage {
			if err := o.openInitrd(data); err != nil {
				return err
			}
		}
	}

	if data.OfTreeFile != "" {
		if err := o.openDeviceTree(data); err != nil {
			return err
		}
	} else if o.DTParser != nil {
		data.ofRootNode = o.DTParser.Root()
		data.oftreeIsRoot = true
	}

	if data.OSAddress == AddressInherit {
		data.OSAddress = AddressInvalid
	}

	handler := o.Handlers.find(osType, osHeaderOS(data.os))
	if handler == nil {
		return netcore.NewError("bootm.Boot", netcore.KindNoDevice, nil)
	}

	if data.Dryrun {
		return nil
	}
	return handler.Boot(data)
}

func osHeaderOS(h UImageHandle) uint8 {
	if h == nil {
		return 0
	}
	return h.Header().OS
}

func (o *Orchestrator) openOS(data *ImageData) error {
	os, err := o.OpenUImage(data.OSFile)
	if err != nil {
		return netcore.NewError("bootm.openOS", netcore.KindInvalidArgument, err)
	}
	if data.Verify {
		if err := os.Verify(); err != nil {
			os.Close()
			return netcore.NewError("bootm.openOS", netcore.KindVerifyFailed, err)
		}
	}
	header := os.Header()
	if header.Arch != o.BuildArch {
		os.Close()
		return netcore.NewError("bootm.openOS", netcore.KindInvalidArgument, nil)
	}
	if data.OSAddress == AddressInherit {
		data.OSAddress = header.LoadAddr
	}
	data.os = os
	return nil
}

func (o *Orchestrator) openInitrd(data *ImageData) error {
	if data.InitrdFile == data.OSFile {
		data.initrd = data.os
		return nil
	}
	initrd, err := o.OpenUImage(data.InitrdFile)
	if err != nil {
		return netcore.NewError("bootm.openInitrd", netcore.KindInvalidArgument, err)
	}
	if data.Verify {
		// A failed initrd verification is ignored and does not abort the
		// boot, matching the source's bootm_open_initrd_uimage.
		_ = initrd.Verify()
	}
	data.initrd = initrd
	return nil
}

func (o *Orchestrator) openDeviceTree(data *ImageData) error {
	ft := o.Sniff(data.OfTreeFile, nil)
	var raw []byte
	var err error

	switch {
	case ft == FileTypeUImage:
		handle, owned, cerr := o.resolveOfTreeUImage(data)
		if cerr != nil {
			return cerr
		}
		raw, err = handle.LoadToBuffer(data.OfTreeNum)
		if owned {
			handle.Close()
		}
	default:
		raw, err = o.ReadFile(data.OfTreeFile)
	}
	if err != nil {
		return netcore.NewError("bootm.openDeviceTree", netcore.KindNoDevice, err)
	}

	if o.Sniff("", raw) != FileTypeOfTree {
		return netcore.NewError("bootm.openDeviceTree", netcore.KindInvalidArgument, nil)
	}

	tree, err := o.DTParser.Unflatten(raw)
	if err != nil {
		return netcore.NewError("bootm.openDeviceTree", netcore.KindInvalidArgument, err)
	}
	data.ofRootNode = tree
	return nil
}

// resolveOfTreeUImage finds the uImage handle backing the devicetree file,
// aliasing the OS or initrd handle when the path matches rather than
// opening a second handle, per bootm_open_oftree.
func (o *Orchestrator) resolveOfTreeUImage(data *ImageData) (handle UImageHandle, owned bool, err error) {
	switch data.OfTreeFile {
	case data.OSFile:
		return data.os, false, nil
	case data.InitrdFile:
		return data.initrd, false, nil
	default:
		h, err := o.OpenUImage(data.OfTreeFile)
		if err != nil {
			return nil, false, netcore.NewError("bootm.resolveOfTreeUImage", netcore.KindNoDevice, err)
		}
		return h, true, nil
	}
}

// teardown releases every SDRAM region this call acquired and closes every
// uImage handle it opened, without double-closing an aliased initrd and
// without deleting a devicetree it only borrowed from the platform root.
func (o *Orchestrator) teardown(data *ImageData) {
	if data.osRes != nil {
		o.Alloc.Release(data.osRes)
	}
	if data.initrdRes != nil {
		o.Alloc.Release(data.initrdRes)
	}
	if data.oftreeRes != nil {
		o.Alloc.Release(data.oftreeRes)
	}
	if data.initrd != nil && data.initrd != data.os {
		data.initrd.Close()
	}
	if data.os != nil {
		data.os.Close()
	}
	// data.ofRootNode is only "deleted" by discarding our reference: it's
	// either owned exclusively by this call (unflattened from a file) or
	// borrowed from the platform root (oftreeIsRoot), which bootm must
	// never free.
}

// bootmLoadOS loads the OS image to addr, idempotent on data.osRes.
func (o *Orchestrator) bootmLoadOS(data *ImageData, addr Address) error {
	if data.osRes != nil {
		return nil
	}
	if addr == AddressInvalid {
		return netcore.NewError("bootm.bootmLoadOS", netcore.KindInvalidArgument, nil)
	}
	if data.os != nil {
		region, err := data.os.LoadToSDRAM(o.Alloc, data.OSNum, addr)
		if err != nil {
			return netcore.NewError("bootm.bootmLoadOS", netcore.KindNoMemory, err)
		}
		data.osRes = region
		return nil
	}
	raw, err := o.ReadFile(data.OSFile)
	if err != nil {
		return netcore.NewError("bootm.bootmLoadOS", netcore.KindNoDevice, err)
	}
	region, err := o.Alloc.Request("kernel", addr, len(raw))
	if err != nil {
		return netcore.NewError("bootm.bootmLoadOS", netcore.KindNoMemory, err)
	}
	if err := o.Alloc.CopyTo(region, raw); err != nil {
		o.Alloc.Release(region)
		return netcore.NewError("bootm.bootmLoadOS", netcore.KindNoMemory, err)
	}
	data.osRes = region
	return nil
}

// bootmLoadInitrd loads the initrd to addr, idempotent on data.initrdRes.
// Returns success with no region set when no initrd is configured.
func (o *Orchestrator) bootmLoadInitrd(data *ImageData, addr Address) error {
	if data.initrdRes != nil {
		return nil
	}
	if data.initrd == nil {
		if data.InitrdFile == "" {
			return nil
		}
		raw, err := o.ReadFile(data.InitrdFile)
		if err != nil {
			return netcore.NewError("bootm.bootmLoadInitrd", netcore.KindNoDevice, err)
		}
		region, err := o.Alloc.Request("initrd", addr, len(raw))
		if err != nil {
			return netcore.NewError("bootm.bootmLoadInitrd", netcore.KindNoMemory, err)
		}
		if err := o.Alloc.CopyTo(region, raw); err != nil {
			o.Alloc.Release(region)
			return netcore.NewError("bootm.bootmLoadInitrd", netcore.KindNoMemory, err)
		}
		data.initrdRes = region
		return nil
	}
	region, err := data.initrd.LoadToSDRAM(o.Alloc, data.InitrdNum, addr)
	if err != nil {
		return netcore.NewError("bootm.bootmLoadInitrd", netcore.KindNoMemory, err)
	}
	data.initrdRes = region
	return nil
}

// bootmLoadDeviceTree finalizes, relocates, and publishes the devicetree at
// addr, idempotent on data.oftree. It is a no-op if there is no tree to
// publish (no OfTreeFile and no platform root).
func (o *Orchestrator) bootmLoadDeviceTree(data *ImageData, addr Address) error {
	if data.oftree != nil || data.ofRootNode == nil {
		return nil
	}
	if data.initrdRes != nil {
		data.ofRootNode.AddInitrd(data.initrdRes.Start(), data.initrdRes.End())
	}
	flat, err := data.ofRootNode.Flatten()
	if err != nil {
		return netcore.NewError("bootm.bootmLoadDeviceTree", netcore.KindInvalidArgument, err)
	}
	region, err := o.Alloc.Request("oftree", addr, len(flat))
	if err != nil {
		return netcore.NewError("bootm.bootmLoadDeviceTree", netcore.KindNoMemory, err)
	}
	if err := o.Alloc.CopyTo(region, flat); err != nil {
		o.Alloc.Release(region)
		return netcore.NewError("bootm.bootmLoadDeviceTree", netcore.KindNoMemory, err)
	}
	data.oftreeRes = region
	data.oftree = flat
	return nil
}
