package patches

import (
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/blacktop/inferno/pkg/arm64"
	"github.com/blacktop/inferno/pkg/dyld"
	"github.com/blacktop/inferno/pkg/patcher"
)

// Options selects the optional patch groups.
type Options struct {
	UnredactLogs bool
}

// Apply stages every software-rendering patch against the analysed cache.
// Optional sites missing on a given platform version are skipped with a
// warning; everything else is fatal.
func Apply(a *dyld.Analyser, asm *arm64.Assembler, p *patcher.Patcher, opts Options) error {
	if err := applyCoreImage(a, asm); err != nil {
		return fmt.Errorf("CoreImage: %w", err)
	}
	if err := applyQuartzCore(a, asm); err != nil {
		return fmt.Errorf("QuartzCore: %w", err)
	}
	if err := applySpringBoardFoundation(a, asm); err != nil {
		return fmt.Errorf("SpringBoardFoundation: %w", err)
	}
	if err := applyCMCapture(a, asm); err != nil {
		return fmt.Errorf("CMCapture: %w", err)
	}
	if err := applyTelephonyUtil(a, asm, p); err != nil {
		return fmt.Errorf("libTelephonyUtilDynamic: %w", err)
	}
	if err := applyNeutrinoCore(a, asm); err != nil {
		return fmt.Errorf("NeutrinoCore: %w", err)
	}
	if opts.UnredactLogs {
		if err := applyLibSystemTrace(a, asm); err != nil {
			return fmt.Errorf("libsystem_trace: %w", err)
		}
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, dyld.ErrSymbolNotFound) ||
		errors.Is(err, dyld.ErrClassNotFound) ||
		errors.Is(err, arm64.ErrPatternNotFound)
}

func applyCoreImage(a *dyld.Analyser, asm *arm64.Assembler) error {
	image, err := a.FindImage(dyld.MatchFramework("CoreImage"), false)
	if err != nil {
		return err
	}

	// Force return false to allow software rendering.
	glIsUsable, err := image.ResolveSymbol("_CIGLIsUsable")
	if err != nil {
		return err
	}
	if err := asm.WriteMovzIncr(image.Path, image.Header, &glIsUsable, arm64.R0, false, 0, arm64.MovzLSL0); err != nil {
		return err
	}
	if err := asm.WriteRet(image.Path, image.Header, glIsUsable); err != nil {
		return err
	}

	// -- Supplemental SW rendering patches for iOS 16+ --

	// Allow widgets to use software rendering.
	if addr, err := image.ResolveSymbol("___isWidget_block_invoke"); err == nil {
		if err := asm.WriteRet(image.Path, image.Header, addr); err != nil {
			return err
		}
	} else if isNotFound(err) {
		log.Warnf("%v (normal for iOS <=16)", err)
	} else {
		return err
	}

	// Allow core UI to use software rendering.
	if err := coreImageAllowList(image, asm); err != nil {
		if !isNotFound(err) {
			return err
		}
		log.Warnf("%v (normal for iOS <=16)", err)
	}

	return nil
}

func coreImageAllowList(image *dyld.Image, asm *arm64.Assembler) error {
	blockInvoke, err := image.ResolveSymbol("____ZL13isSWAllowListv_block_invoke")
	if err != nil {
		return err
	}

	f, err := os.Open(image.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	addr, err := arm64.FindCBZ(f, image.Header, blockInvoke, true, false, 8)
	if err != nil {
		return err
	}
	if err := asm.WriteNopIncr(image.Path, image.Header, &addr); err != nil {
		return err
	}
	next, err := arm64.FindCBZ(f, image.Header, addr, false, false, 8)
	if err != nil {
		return err
	}
	return asm.WriteNop(image.Path, image.Header, next)
}

func applyQuartzCore(a *dyld.Analyser, asm *arm64.Assembler) error {
	image, err := a.FindImage(dyld.MatchFramework("QuartzCore"), false)
	if err != nil {
		return err
	}

	// iOS <=14, bug in two functions: a missing null check on the return
	// value of `::renderer` causing a crash.
	renderer, err := image.ResolveSymbol("__ZN2CA3OGL22AsynchronousDispatcher8rendererEv")
	if err != nil {
		return err
	}

	f, err := os.Open(image.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, sym := range []string{
		"__ZN2CA3OGL22AsynchronousDispatcher10stop_timerEv",
		"__ZN2CA3OGLL17release_iosurfaceEP11__IOSurface",
	} {
		if err := fixAsyncDispatcher(image, asm, f, renderer, sym); err != nil {
			return err
		}
	}

	// Neutralise CIF10 support which also neutralises framebuffer AGX/SGX
	// compression.
	cif10, err := image.ResolveSymbol("___CADeviceSupportsCIF10_block_invoke")
	if err != nil {
		return err
	}
	return asm.WriteRet(image.Path, image.Header, cif10)
}

func fixAsyncDispatcher(image *dyld.Image, asm *arm64.Assembler, f *os.File, renderer uint64, sym string) error {
	start, err := image.ResolveSymbol(sym)
	if err != nil {
		return err
	}
	rendererCall, err := arm64.FindBLIncr(f, image.Header, start, renderer, false, arm64.DefaultInstLimit)
	if err != nil {
		return err
	}

	if _, err := arm64.FindCBZ(f, image.Header, rendererCall, true, false, 1); err == nil {
		log.Infof("detected fixed `CA::OGL::AsynchronousDispatcher` logic, skipping `%s`", sym)
		return nil
	} else if !errors.Is(err, arm64.ErrPatternNotFound) {
		return err
	}

	for range 3 {
		if err := asm.WriteNopIncr(image.Path, image.Header, &rendererCall); err != nil {
			return err
		}
	}
	blra, err := arm64.FindBLRA(f, image.Header, rendererCall, true, false, false, 4)
	if err != nil {
		return err
	}
	return asm.WriteNop(image.Path, image.Header, blra)
}

func applySpringBoardFoundation(a *dyld.Analyser, asm *arm64.Assembler) error {
	image, err := a.FindImage(dyld.MatchPrivateFramework("SpringBoardFoundation"), false)
	if err != nil {
		return err
	}

	// Force return true, fixes wallpaper settings crash due to missing GPU.
	addr, err := image.ResolveSymbol("+[SBFCARenderer shouldUseXPCServiceForRendering]")
	if err != nil {
		return err
	}
	if err := asm.WriteMovzIncr(image.Path, image.Header, &addr, arm64.R0, false, 1, arm64.MovzLSL0); err != nil {
		return err
	}
	return asm.WriteRet(image.Path, image.Header, addr)
}

func applyCMCapture(a *dyld.Analyser, asm *arm64.Assembler) error {
	image, err := a.FindImage(dyld.MatchPrivateFramework("CMCapture"), false)
	if err != nil {
		return err
	}

	// Neutralise shader precompilation, which requires GPU.
	if err := cmCapturePreloadShaders(image, asm); err != nil {
		if !isNotFound(err) {
			return err
		}
		log.Warnf("%v (normal for iOS <=14)", err)
	}
	return nil
}

func cmCapturePreloadShaders(image *dyld.Image, asm *arm64.Assembler) error {
	preload, err := image.ResolveSymbol("_FigPreloadShaders", "_FigCapturePreloadShaders")
	if err != nil {
		return err
	}
	if err := asm.WriteRet(image.Path, image.Header, preload); err != nil {
		return err
	}
	wait, err := image.ResolveSymbol("_FigWaitForPreloadShadersCompletion", "_FigCaptureWaitForPreloadShadersCompletion")
	if err != nil {
		return err
	}
	return asm.WriteRet(image.Path, image.Header, wait)
}

func applyTelephonyUtil(a *dyld.Analyser, asm *arm64.Assembler, p *patcher.Patcher) error {
	image, err := a.FindImage(dyld.MatchPath("/usr/lib/libTelephonyUtilDynamic.dylib"), false)
	if err != nil {
		return err
	}

	// Neutralise hardcoded expectations for Baseband.
	addr, err := image.ResolveSymbol("__TelephonyRadiosDetermineRadio")
	if err != nil {
		return err
	}
	if err := asm.WriteRet(image.Path, image.Header, addr); err != nil {
		return err
	}

	for _, sym := range []string{"_sTelephonyProduct", "_sTelephonyRadio", "_sTelephonyRadioVendor"} {
		addr, err := image.ResolveSymbol(sym)
		if err != nil {
			return err
		}
		off, entry, err := a.FindEntryFromVMAddr(addr)
		if err != nil {
			return err
		}
		p.Write(entry.Path, off, make([]byte, 4))
	}
	return nil
}

func applyNeutrinoCore(a *dyld.Analyser, asm *arm64.Assembler) error {
	objcImage, err := a.FindImage(dyld.MatchPath("/usr/lib/libobjc.A.dylib"), false)
	if err != nil {
		return err
	}
	image, err := a.FindImage(dyld.MatchPrivateFramework("NeutrinoCore"), true)
	if err != nil {
		return err
	}

	objcAllocInit, err := objcImage.ResolveSymbol("_objc_alloc_init")
	if err != nil {
		return err
	}
	nuSWRenderer, err := image.ResolveObjCClass("NUSoftwareRenderer")
	if err != nil {
		return err
	}

	// Short-circuit the renderer factory into `objc_alloc_init(NUSoftwareRenderer)`.
	addr, err := image.ResolveSymbol(
		"-[NUDevice_iOS _newRendererWithCIContextOptions:error:]",
		"-[NUDevice_iOS _newRendererWithOptions:error:]",
	)
	if err != nil {
		return err
	}
	if err := asm.WriteAdrpAddIncr(image.Path, image.Header, &addr, nuSWRenderer, arm64.R0); err != nil {
		return err
	}
	if err := asm.WriteAdrpAddIncr(image.Path, image.Header, &addr, objcAllocInit, arm64.R1); err != nil {
		return err
	}
	return asm.WriteBlr(image.Path, image.Header, addr, arm64.R1)
}

func applyLibSystemTrace(a *dyld.Analyser, asm *arm64.Assembler) error {
	image, err := a.FindImage(dyld.MatchPath("/usr/lib/system/libsystem_trace.dylib"), false)
	if err != nil {
		return err
	}

	addr, err := image.ResolveSymbol("__os_trace_is_development_build")
	if err != nil {
		return err
	}
	if err := asm.WriteMovzIncr(image.Path, image.Header, &addr, arm64.R0, false, 1, arm64.MovzLSL0); err != nil {
		return err
	}
	return asm.WriteRet(image.Path, image.Header, addr)
}
