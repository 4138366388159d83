package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/loykin/scripthost/pkg/client"
)

const defaultAPIUrl = "http://127.0.0.1:8080/api"

// command runs the client subcommands against a daemon and prints to out.
type command struct {
	out io.Writer
}

func (c command) client(ctx context.Context, f TenantFlags) (*client.Client, error) {
	apiUrl := f.APIUrl
	if apiUrl == "" {
		apiUrl = defaultAPIUrl
	}
	if f.TenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	cl := client.New(client.Config{BaseURL: apiUrl, Timeout: f.APITimeout})
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - please start daemon first with 'scripthost serve'", apiUrl)
	}
	return cl, nil
}

func (c command) Start(ctx context.Context, f TenantFlags) error {
	cl, err := c.client(ctx, f)
	if err != nil {
		return err
	}
	res, err := cl.Start(ctx, f.TenantID)
	if err != nil {
		return err
	}
	printJSON(c.out, res)
	return nil
}

func (c command) Stop(ctx context.Context, f TenantFlags) error {
	cl, err := c.client(ctx, f)
	if err != nil {
		return err
	}
	stopped, err := cl.Stop(ctx, f.TenantID)
	if err != nil {
		return err
	}
	if stopped {
		_, _ = fmt.Fprintf(c.out, "tenant %s: script stopped\n", f.TenantID)
	} else {
		_, _ = fmt.Fprintf(c.out, "tenant %s: no script was running\n", f.TenantID)
	}
	return nil
}

func (c command) Status(ctx context.Context, f TenantFlags) error {
	cl, err := c.client(ctx, f)
	if err != nil {
		return err
	}
	st, err := cl.Status(ctx, f.TenantID)
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

func (c command) Logs(ctx context.Context, f TenantFlags) error {
	cl, err := c.client(ctx, f)
	if err != nil {
		return err
	}
	text, err := cl.Logs(ctx, f.TenantID)
	if err != nil {
		return err
	}
	_, _ = io.WriteString(c.out, text)
	return nil
}

func (c command) Errors(ctx context.Context, f TenantFlags) error {
	cl, err := c.client(ctx, f)
	if err != nil {
		return err
	}
	text, err := cl.Errors(ctx, f.TenantID)
	if err != nil {
		return err
	}
	_, _ = io.WriteString(c.out, text)
	return nil
}

func (c command) Usage(ctx context.Context, f TenantFlags) error {
	cl, err := c.client(ctx, f)
	if err != nil {
		return err
	}
	u, err := cl.Usage(ctx, f.TenantID)
	if err != nil {
		return err
	}
	printJSON(c.out, u)
	return nil
}

func (c command) Entry(ctx context.Context, f TenantFlags) error {
	cl, err := c.client(ctx, f)
	if err != nil {
		return err
	}
	e, err := cl.Entry(ctx, f.TenantID)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, e.Display)
	return nil
}

func (c command) Upload(ctx context.Context, f UploadFlags) error {
	if f.Path == "" {
		return fmt.Errorf("--file is required")
	}
	data, err := readArchive(f.Path)
	if err != nil {
		return err
	}
	cl, err := c.client(ctx, f.TenantFlags)
	if err != nil {
		return err
	}
	res, err := cl.Upload(ctx, f.TenantID, data)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "%d of %d files saved, entry: %s, requirements: %d\n", res.Saved, res.Extracted, res.Entry, res.Requirements)
	return nil
}

func (c command) Files(ctx context.Context, f FilesFlags) error {
	cl, err := c.client(ctx, f.TenantFlags)
	if err != nil {
		return err
	}
	switch {
	case f.Delete:
		if err := cl.DeleteFiles(ctx, f.TenantID); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "tenant %s: workspace deleted\n", f.TenantID)
		return nil
	case f.Download != "":
		out, err := os.Create(f.Download) // #nosec G304 -- operator-chosen output path
		if err != nil {
			return err
		}
		if err := cl.Download(ctx, f.TenantID, out); err != nil {
			_ = out.Close()
			_ = os.Remove(f.Download)
			return err
		}
		return out.Close()
	}
	files, err := cl.Files(ctx, f.TenantID)
	if err != nil {
		return err
	}
	for _, name := range files {
		_, _ = fmt.Fprintln(c.out, name)
	}
	return nil
}

func (c command) Libs(ctx context.Context, f LibsFlags) error {
	cl, err := c.client(ctx, f.TenantFlags)
	if err != nil {
		return err
	}
	var res client.LibraryResponse
	switch {
	case f.Install != "":
		res, err = cl.InstallLibrary(ctx, f.TenantID, f.Install)
	case f.Requirements:
		res, err = cl.InstallRequirements(ctx, f.TenantID)
	case f.Uninstall != "":
		res, err = cl.UninstallLibrary(ctx, f.TenantID, f.Uninstall)
	default:
		libs, err := cl.Libraries(ctx, f.TenantID)
		if err != nil {
			return err
		}
		for _, name := range libs {
			_, _ = fmt.Fprintln(c.out, name)
		}
		return nil
	}
	if err != nil {
		return err
	}
	_, _ = fmt.Fprint(c.out, res.Output)
	_, _ = fmt.Fprintf(c.out, "tenant %s: libraries: %s\n", f.TenantID, strings.Join(res.Libraries, ", "))
	return nil
}
